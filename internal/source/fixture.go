package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cespare/xxhash"
	"gopkg.in/yaml.v3"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/model"
)

type FixtureAttachment struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Size     int64  `yaml:"size"`
	MimeType string `yaml:"mimeType"`
}

type FixtureMessage struct {
	Sender      string              `yaml:"sender"`
	Body        string              `yaml:"body"`
	At          time.Time           `yaml:"at"`
	Attachments []FixtureAttachment `yaml:"attachments"`
}

type FixtureConversation struct {
	ID       string               `yaml:"id"`
	Cutoffs  map[string]time.Time `yaml:"cutoffs"`
	Messages []FixtureMessage     `yaml:"messages"`
}

type FixtureData struct {
	Conversations []FixtureConversation `yaml:"conversations"`
}

func LoadFixtureData(path string) (*FixtureData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}
	data := &FixtureData{}
	if err := yaml.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("parsing fixture file: %w", err)
	}
	return data, nil
}

// DefaultFixtureData is the built-in demo conversation.
func DefaultFixtureData() *FixtureData {
	start := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	return &FixtureData{
		Conversations: []FixtureConversation{{
			ID: "demo",
			Messages: []FixtureMessage{
				{Sender: "site-manager", Body: "Concrete pour for slab B is confirmed for Thursday.", At: start},
				{Sender: "architect", Body: "Updated rebar drawings attached.", At: start.Add(25 * time.Minute), Attachments: []FixtureAttachment{
					{Name: "rebar-slab-b-rev3.pdf", URL: "https://fixtures.invalid/rebar-slab-b-rev3.pdf", Size: 482113, MimeType: "application/pdf"},
				}},
				{Sender: "site-manager", Body: "Thanks, forwarding to the crew.", At: start.Add(40 * time.Minute)},
			},
		}},
	}
}

// FixtureID derives a stable message id from a conversation and a sequence number.
func FixtureID(conversationID model.ConversationID, n int) model.MessageID {
	hash := xxhash.New()
	hash.Write([]byte(conversationID))
	hash.Write([]byte{'/'})
	hash.Write([]byte(strconv.Itoa(n)))
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, hash.Sum64())
	return model.MessageID("fx_" + base58.Encode(raw))
}

// Fixture is an in-memory source with deterministic content. Nothing written
// to it leaves the process.
type Fixture struct {
	mu       sync.Mutex
	messages map[model.ConversationID][]model.Message
	cutoffs  map[model.ConversationID]map[model.ParticipantID]time.Time
	clock    time.Time
}

func NewFixture(data *FixtureData) *Fixture {
	f := &Fixture{
		messages: make(map[model.ConversationID][]model.Message),
		cutoffs:  make(map[model.ConversationID]map[model.ParticipantID]time.Time),
	}
	if data == nil {
		return f
	}
	for _, conversation := range data.Conversations {
		conversationID := model.ConversationID(conversation.ID)
		for _, seed := range conversation.Messages {
			f.add(conversationID, seed)
		}
		if len(conversation.Cutoffs) > 0 {
			cutoffs := make(map[model.ParticipantID]time.Time, len(conversation.Cutoffs))
			for participantID, cutoff := range conversation.Cutoffs {
				cutoffs[model.ParticipantID(participantID)] = cutoff.UTC()
			}
			f.cutoffs[conversationID] = cutoffs
		}
	}
	return f
}

func (f *Fixture) add(conversationID model.ConversationID, seed FixtureMessage) {
	attachments := make([]model.Attachment, 0, len(seed.Attachments))
	for _, a := range seed.Attachments {
		attachments = append(attachments, model.Attachment{Name: a.Name, URL: a.URL, Size: a.Size, MimeType: a.MimeType})
	}
	createdAt := seed.At.UTC()
	f.messages[conversationID] = append(f.messages[conversationID], model.Message{
		Ref:            model.Confirmed(FixtureID(conversationID, len(f.messages[conversationID]))),
		ConversationID: conversationID,
		SenderID:       model.ParticipantID(seed.Sender),
		Body:           seed.Body,
		Attachments:    attachments,
		State:          model.DeliveryDelivered,
		CreatedAt:      createdAt,
	})
	if createdAt.After(f.clock) {
		f.clock = createdAt
	}
}

func (f *Fixture) Mode() model.Mode { return model.ModeFixture }

func (f *Fixture) ListMessages(ctx context.Context, conversationID model.ConversationID, since *time.Time) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.Message
	for _, msg := range f.messages[conversationID] {
		if model.Visible(msg.CreatedAt, since) {
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

// InsertMessage stores draft locally and returns it confirmed. Timestamps come
// from a fixture clock that advances one second per insert past the latest
// seed, so the result does not depend on wall time.
func (f *Fixture) InsertMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clock = f.clock.Add(time.Second)
	msg := model.Message{
		Ref:            model.Confirmed(FixtureID(draft.ConversationID, len(f.messages[draft.ConversationID]))),
		ClientID:       draft.ClientID,
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Body:           draft.Body,
		Attachments:    append([]model.Attachment(nil), draft.Attachments...),
		State:          model.DeliveryDelivered,
		RepliedToID:    draft.RepliedToID,
		CreatedAt:      f.clock,
	}
	f.messages[draft.ConversationID] = append(f.messages[draft.ConversationID], msg)
	return msg.Clone(), nil
}

func (f *Fixture) MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	messages := f.messages[conversationID]
	for i := range messages {
		if messages[i].SenderID != participantID {
			messages[i].State = model.DeliveryRead
		}
	}
	return nil
}

func (f *Fixture) GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff, ok := f.cutoffs[conversationID][participantID]
	if !ok {
		return nil, nil
	}
	return &cutoff, nil
}

// Subscribe returns a feed that never emits: fixture data has no live side.
func (f *Fixture) Subscribe(ctx context.Context, topic string) (channel.Feed, error) {
	return newIdleFeed(), nil
}

type idleFeed struct {
	events chan model.Event
	once   sync.Once
}

func newIdleFeed() *idleFeed {
	return &idleFeed{events: make(chan model.Event)}
}

func (f *idleFeed) Events() <-chan model.Event { return f.events }
func (f *idleFeed) Err() error                 { return nil }

func (f *idleFeed) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}
