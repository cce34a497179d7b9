package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uk.co.dudmesh.sitechat/internal/model"
)

func TestSwitchSetMode(t *testing.T) {
	assert := assert.New(t)

	liveSource := Live(NewFixture(nil), NewFixture(nil))
	var order []string
	built := 0
	sw, err := NewSwitch(model.ModeLive, liveSource, func() Source {
		built++
		order = append(order, "build")
		return NewFixture(DefaultFixtureData())
	})
	require.NoError(t, err)
	sw.OnTeardown(func(from model.Mode) { order = append(order, "teardown:"+string(from)) })

	assert.Equal(model.ModeLive, sw.Mode())
	assert.Equal(model.ModeLive, sw.Current().Mode())

	changed, err := sw.SetMode(model.ModeFixture)
	assert.Nil(err)
	assert.True(changed)
	assert.Equal(model.ModeFixture, sw.Current().Mode())

	changed, err = sw.SetMode(model.ModeFixture)
	assert.Nil(err)
	assert.False(changed)

	first := sw.Current()
	_, _ = sw.SetMode(model.ModeLive)
	_, _ = sw.SetMode(model.ModeFixture)
	assert.NotSame(first, sw.Current())
	assert.Equal(2, built)
	assert.Equal([]string{"teardown:live", "build", "teardown:fixture", "teardown:live", "build"}, order)
}

func TestSwitchRejectsUnknownMode(t *testing.T) {
	sw, err := NewSwitch(model.ModeFixture, nil, nil)
	require.NoError(t, err)

	_, err = sw.SetMode("mock")
	assert.ErrorIs(t, err, model.ErrorValidation)

	_, err = sw.SetMode(model.ModeLive)
	assert.ErrorIs(t, err, model.ErrorValidation)
	assert.Equal(t, model.ModeFixture, sw.Mode())

	_, err = NewSwitch(model.ModeLive, nil, nil)
	assert.ErrorIs(t, err, model.ErrorValidation)
}

func TestFixtureIsDeterministic(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	a, _ := NewFixture(DefaultFixtureData()).ListMessages(ctx, "demo", nil)
	b, _ := NewFixture(DefaultFixtureData()).ListMessages(ctx, "demo", nil)
	assert.Len(a, 3)
	assert.Equal(a, b)
	assert.Equal(FixtureID("demo", 0), a[0].ID())
	assert.NotEqual(FixtureID("demo", 0), FixtureID("demo", 1))
	assert.Equal("rebar-slab-b-rev3.pdf", a[1].Attachments[0].Name)
}

func TestFixtureInsertAndRead(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	fixture := NewFixture(DefaultFixtureData())

	msg, err := fixture.InsertMessage(ctx, model.Draft{ClientID: "tmp1", ConversationID: "demo", SenderID: "architect", Body: "hola"})
	assert.Nil(err)
	assert.True(msg.Ref.IsConfirmed())
	assert.Equal(FixtureID("demo", 3), msg.ID())
	assert.Equal(time.Date(2024, 3, 4, 8, 40, 1, 0, time.UTC), msg.CreatedAt)

	assert.Nil(fixture.MarkRead(ctx, "demo", "architect"))
	messages, _ := fixture.ListMessages(ctx, "demo", nil)
	assert.Len(messages, 4)
	for _, m := range messages {
		if m.SenderID == "architect" {
			assert.Equal(model.DeliveryDelivered, m.State)
		} else {
			assert.Equal(model.DeliveryRead, m.State)
		}
	}
}

func TestFixtureFeedIsIdle(t *testing.T) {
	feed, err := NewFixture(nil).Subscribe(context.Background(), "conversation:demo")
	require.NoError(t, err)

	select {
	case <-feed.Events():
		t.Fatal("fixture feed emitted an event")
	case <-time.After(10 * time.Millisecond):
	}

	assert.Nil(t, feed.Close())
	assert.Nil(t, feed.Close())
	_, open := <-feed.Events()
	assert.False(t, open)
}

func TestLoadFixtureData(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	err := os.WriteFile(path, []byte(`
conversations:
  - id: p1
    cutoffs:
      late-joiner: 2024-01-10T00:00:00Z
    messages:
      - sender: alice
        body: early
        at: 2024-01-05T00:00:00Z
      - sender: bob
        body: later
        at: 2024-01-12T00:00:00Z
        attachments:
          - name: site.jpg
            url: https://fixtures.invalid/site.jpg
            size: 2048
            mimeType: image/jpeg
`), 0o600)
	require.NoError(t, err)

	data, err := LoadFixtureData(path)
	require.NoError(t, err)
	fixture := NewFixture(data)
	ctx := context.Background()

	cutoff, err := fixture.GetHistoryCutoff(ctx, "p1", "late-joiner")
	assert.Nil(err)
	assert.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), *cutoff)

	none, err := fixture.GetHistoryCutoff(ctx, "p1", "alice")
	assert.Nil(err)
	assert.Nil(none)

	visible, _ := fixture.ListMessages(ctx, "p1", cutoff)
	assert.Len(visible, 1)
	assert.Equal("later", visible[0].Body)
	assert.Equal("image/jpeg", visible[0].Attachments[0].MimeType)

	_, err = LoadFixtureData(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(err)
}
