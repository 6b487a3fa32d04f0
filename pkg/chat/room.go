package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/model"
)

// Room drives one conversation view: login, history, live updates, sending
// and teardown.
type Room struct {
	client *Client
	topic  string
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	transcript []model.Message
	onChange   func(model.Message)
}

func newRoom(c *Client, conversation string) *Room {
	topic := c.cfg.DefaultTopic
	if strings.TrimSpace(conversation) != "" {
		topic = model.TopicFor(conversation)
	}
	return &Room{
		client: c,
		topic:  topic,
		log:    c.log.With().Str("component", "room").Str("topic", topic).Logger(),
		now:    time.Now,
	}
}

func (r *Room) Topic() string { return r.topic }

// OnChange sets a hook called after every message appended to the
// transcript. Set it before Join.
func (r *Room) OnChange(fn func(model.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Join logs in, loads the backlog, seeds an empty topic with the welcome
// message, then subscribes the topic on the client's live channel, opening
// it when needed. Several rooms of one Client share the channel.
//
// A login failure aborts Join. A failed history fetch or channel open is
// returned too, but whatever was loaded stays in the transcript so the view
// can keep rendering. Joining again, for instance after the connection
// dropped, replaces the transcript with the freshly fetched history.
func (r *Room) Join(ctx context.Context, username, password string) error {
	if err := r.client.Session.Login(ctx, username, password); err != nil {
		return fmt.Errorf("join %s: %w", r.topic, err)
	}

	backlog, err := r.client.History.FetchHistory(ctx, r.topic)
	if err != nil {
		// Seeding after a failed read could duplicate the welcome message.
		r.log.Warn().Err(err).Msg("continuing without history")
	} else {
		if len(backlog) == 0 {
			backlog = []model.Message{r.seed(ctx)}
		}
		r.mu.Lock()
		r.transcript = backlog
		r.mu.Unlock()
	}

	token, tokenErr := r.client.Session.Token()
	if tokenErr != nil {
		return tokenErr
	}
	if enterErr := r.client.enter(ctx, r, token); enterErr != nil {
		return fmt.Errorf("join %s: %w", r.topic, enterErr)
	}

	return err
}

func (r *Room) seed(ctx context.Context) model.Message {
	welcome := model.Message{
		ID:        r.client.ids.NextID(),
		Text:      r.client.cfg.WelcomeText,
		Sender:    r.client.cfg.WelcomeSender,
		Timestamp: r.now(),
	}

	stored, err := r.client.History.SaveMessage(ctx, r.topic, welcome)
	if err != nil {
		r.log.Warn().Err(err).Msg("welcome message not persisted")
		return welcome
	}

	r.log.Info().Str("id", stored.ID).Msg("seeded topic")
	return stored
}

func (r *Room) receive(topic string, msg model.Message) {
	if topic != r.topic {
		return
	}
	r.append(msg)
}

func (r *Room) append(msg model.Message) {
	r.mu.Lock()
	r.transcript = append(r.transcript, msg)
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// Send shows text in the transcript straight away and stores an encrypted
// copy. The local echo is not matched against the copy the channel later
// delivers, so senders can see their message twice.
func (r *Room) Send(ctx context.Context, text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if !r.client.Session.IsAuthenticated() {
		return model.Message{}, ErrUnauthenticated
	}
	if !r.client.isJoined(r) || r.client.Channel.State() != StateOpen {
		return model.Message{}, ErrChannelNotOpen
	}

	msg := model.Message{
		ID:        r.client.ids.NextID(),
		Text:      text,
		Sender:    r.client.Session.Identity().DisplayName(),
		Timestamp: r.now(),
	}

	r.append(msg)

	if _, err := r.client.History.SaveMessage(ctx, r.topic, msg); err != nil {
		return msg, fmt.Errorf("send: %w", err)
	}
	return msg, nil
}

// Online lists who is currently in the room.
func (r *Room) Online(ctx context.Context) ([]string, error) {
	return r.client.History.Online(ctx, r.topic)
}

// Transcript returns a copy of the messages shown so far.
func (r *Room) Transcript() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.transcript...)
}

// Leave stops live delivery to the room. The channel closes once no room of
// the client is joined. Safe to call more than once.
func (r *Room) Leave() {
	r.client.leave(r)
}
