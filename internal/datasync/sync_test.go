package datasync_test

import (
	"encoding/json"
	"testing"

	"github.com/rtcheap/interview-room/internal/datasync"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/negotiation/negotiationtest"
	"github.com/stretchr/testify/assert"
)

func TestCodeChangeReachesRemote(t *testing.T) {
	assert := assert.New(t)
	local, remote := pairedSyncs()

	err := local.SetCode("print(1)", "python")
	assert.NoError(err)

	snap := remote.Workspace().Snapshot()
	assert.Equal("print(1)", snap.Code)
	assert.Equal("python", snap.Language)
	assert.Equal("print(1)", local.Workspace().Snapshot().Code)

	err = remote.SetCode("console.log(2)", "")
	assert.NoError(err)
	snap = local.Workspace().Snapshot()
	assert.Equal("console.log(2)", snap.Code)
	assert.Equal("python", snap.Language)
}

func TestLastWriteWins(t *testing.T) {
	assert := assert.New(t)
	local, remote := pairedSyncs()

	assert.NoError(local.SetCode("a = 1", "python"))
	assert.NoError(remote.SetCode("a = 2", "python"))
	assert.NoError(local.SetCode("a = 3", "python"))

	assert.Equal("a = 3", local.Workspace().Snapshot().Code)
	assert.Equal("a = 3", remote.Workspace().Snapshot().Code)
}

func TestLanguageAndWhiteboard(t *testing.T) {
	assert := assert.New(t)
	local, remote := pairedSyncs()

	var changes []datasync.Snapshot
	remote.Workspace().OnChange(func(s datasync.Snapshot) {
		changes = append(changes, s)
	})

	assert.NoError(local.SetLanguage("go"))
	assert.NoError(local.Draw("data:image/png;base64,AAAA"))
	assert.Equal("go", remote.Workspace().Snapshot().Language)
	assert.Equal("data:image/png;base64,AAAA", remote.Workspace().Snapshot().Whiteboard)

	assert.NoError(remote.ClearWhiteboard())
	assert.Equal("", local.Workspace().Snapshot().Whiteboard)
	assert.Len(changes, 3)
}

func TestSendWhileNotOpen(t *testing.T) {
	assert := assert.New(t)
	dc := negotiationtest.NewDataChannel(datasync.ChannelLabel)
	s := datasync.New(dc, datasync.NewWorkspace("javascript"))

	assert.False(s.Open())
	assert.NoError(s.SetCode("x", "python"))
	assert.Len(dc.Sent(), 0)
	assert.Equal("x", s.Workspace().Snapshot().Code)

	dc.Open()
	assert.NoError(s.SetCode("y", ""))
	assert.Len(dc.Sent(), 1)

	var msg models.DataChannelMessage
	assert.NoError(json.Unmarshal([]byte(dc.Sent()[0]), &msg))
	assert.Equal(models.TypeCodeChange, msg.Type)
	assert.Equal("y", msg.Code)

	assert.NoError(s.Close())
	assert.False(s.Open())
	assert.NoError(s.SetCode("z", ""))
	assert.Len(dc.Sent(), 1)
}

func TestIgnoresUnknownAndMalformed(t *testing.T) {
	assert := assert.New(t)
	dc := negotiationtest.NewDataChannel(datasync.ChannelLabel)
	ws := datasync.NewWorkspace("python")
	datasync.New(dc, ws)

	dc.Deliver([]byte(`{"type":"cursor-move","code":"nope"}`))
	dc.Deliver([]byte(`not json`))
	dc.Deliver([]byte(`{"type":"code-change","code":"ok","language":"go"}`))

	snap := ws.Snapshot()
	assert.Equal("ok", snap.Code)
	assert.Equal("go", snap.Language)
}

func pairedSyncs() (*datasync.Sync, *datasync.Sync) {
	a := negotiationtest.NewDataChannel(datasync.ChannelLabel)
	b := negotiationtest.NewDataChannel(datasync.ChannelLabel)
	negotiationtest.Pair(a, b)

	local := datasync.New(a, datasync.NewWorkspace("javascript"))
	remote := datasync.New(b, datasync.NewWorkspace("javascript"))
	a.Open()
	b.Open()
	return local, remote
}
