package messagelog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSLog stores messages in a JetStream stream, one subject per room. The
// stream's per-subject limit bounds each room's history.
type NATSLog struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	subject string
	clock   *clock
	logger  zerolog.Logger
}

// OpenNATS connects to url and creates or updates the stream name.
func OpenNATS(ctx context.Context, url, name string, retention int, logger zerolog.Logger) (*NATSLog, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	subject := strings.ToLower(name) + ".messages"
	cfg := jetstream.StreamConfig{
		Name:        name,
		Description: "Room chat message history",
		Subjects:    []string{subject + ".*"},
		Storage:     jetstream.FileStorage,
	}
	if retention > 0 {
		cfg.MaxMsgsPerSubject = int64(retention)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(setupCtx, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream %q: %w", name, err)
	}
	logger.Info().Str("stream", name).Str("url", url).Msg("NATS message log ready")

	return &NATSLog{
		nc:      nc,
		js:      js,
		stream:  stream,
		subject: subject,
		clock:   newClock(),
		logger:  logger,
	}, nil
}

// roomSubject encodes room into a single subject token so arbitrary room
// names (dots, spaces, wildcards) stay addressable.
func (l *NATSLog) roomSubject(room string) string {
	return l.subject + "." + base64.RawURLEncoding.EncodeToString([]byte(room))
}

// Append publishes the message on the room subject and waits for the ack.
func (l *NATSLog) Append(ctx context.Context, room, author, text string) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: l.clock.next(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := l.roomSubject(room)
	if _, err := l.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return Message{}, fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	return msg, nil
}

// Recent reads the tail of the room subject. It starts an ordered consumer a
// window of sequences before the subject's last message and widens the window
// until it holds limit messages or reaches the start of the stream, so a read
// costs about limit messages rather than the whole retained history.
func (l *NATSLog) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	subject := l.roomSubject(room)

	info, err := l.stream.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream info: %w", err)
	}
	stored := int(info.State.Subjects[subject])
	if stored == 0 {
		return []Message{}, nil
	}
	want := clampLimit(limit, stored)

	last, err := l.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to read last message of subject '%s': %w", subject, err)
	}

	first := info.State.FirstSeq
	for window := uint64(want); ; window *= 2 {
		start := tailStart(first, last.Sequence, window)
		batch := min(int(last.Sequence-start+1), stored)

		msgs, err := l.fetchFrom(ctx, subject, start, batch)
		if err != nil {
			return nil, err
		}
		if len(msgs) >= want || start == first {
			keep := min(want, len(msgs))
			return msgs[len(msgs)-keep:], nil
		}
	}
}

// tailStart returns the first sequence of a window ending at last, clamped to
// the stream's first sequence.
func tailStart(first, last, window uint64) uint64 {
	if window >= last || last-window+1 <= first {
		return first
	}
	return last - window + 1
}

// fetchFrom reads up to batch messages of subject starting at sequence start.
func (l *NATSLog) fetchFrom(ctx context.Context, subject string, start uint64, batch int) ([]Message, error) {
	cons, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	res, err := cons.FetchNoWait(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from subject '%s': %w", subject, err)
	}

	msgs := make([]Message, 0, batch)
	for m := range res.Messages() {
		var msg Message
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			l.logger.Warn().Err(err).Str("subject", m.Subject()).Msg("Skipping undecodable history entry")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := res.Error(); err != nil && len(msgs) == 0 {
		return nil, fmt.Errorf("failed to fetch from subject '%s': %w", subject, err)
	}
	return msgs, nil
}

// Close closes the NATS connection.
func (l *NATSLog) Close() error {
	l.nc.Close()
	return nil
}
