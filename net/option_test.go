package net

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCfgOptions(t *testing.T) {
	cfg := &SessionCfg{Transport: "tcp", Delimiter: "\n", HeadDelimiter: "\r\n\r\n", Encoding: EncodingSnappy}
	require.NoError(t, cfg.Validate())

	o := cfg.Options()
	assert.Equal(t, "tcp", o.Transport)
	assert.Equal(t, []byte("\n"), o.Delimiter)
	assert.Equal(t, []byte("\r\n\r\n"), o.HeadDelimiter)
	assert.Equal(t, 4, o.CountLen)
	assert.Equal(t, 2, o.IDLen)
	assert.Equal(t, codings.DecodedSizeFactor*o.MaxSize, o.MaxDecodedSize)

	uuidCfg := &SessionCfg{IDStrategy: IDStrategyUUID}
	assert.Equal(t, uuidLength, uuidCfg.Options().IDLen)
	p, err := uuidCfg.NewPipeline()
	require.NoError(t, err)
	got := roundTrip(t, p, "with uuid")
	assert.True(t, got.ID.IsString())
}

func TestSessionCfgValidate(t *testing.T) {
	bad := []*SessionCfg{
		{CountLen: 9},
		{IDStrategy: "sequence"},
		{IDStrategy: IDStrategyNumber, IDLen: 8},
		{Encoding: "zstd"},
		{MaxDecodedSize: -1},
		{HeaderCodec: "xml"},
		{PayloadCodec: "xml"},
		{RecvRate: -1},
		{SendChannelSize: -1},
		{Timeout: -time.Second},
	}
	for i, cfg := range bad {
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestSessionCfgFromConfigManager(t *testing.T) {
	dir := t.TempDir()
	body := `transport: tcp
delimiter: "\n"
headDelimiter: "\r\n\r\n"
countLen: 2
idLen: 2
maxSize: 4096
encoding: gzip
timeout: 3s
recvRate: 100
recvBurst: 10
streamFrames: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, SessionCfgName+".yaml"), []byte(body), 0o644))

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	cfg := &SessionCfg{}
	require.NoError(t, cm.LoadConfig(SessionCfgName, cfg))
	assert.Equal(t, "\n", cfg.Delimiter)
	assert.Equal(t, "\r\n\r\n", cfg.HeadDelimiter)
	assert.Equal(t, 2, cfg.CountLen)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, EncodingGzip, cfg.Encoding)
	assert.True(t, cfg.StreamFrames)

	p, err := cfg.NewPipeline()
	require.NoError(t, err)
	assert.NotNil(t, p.RecvLimiter())
	got := roundTrip(t, p, map[string]any{"k": "v"})
	assert.Equal(t, map[string]any{"k": "v"}, got.Payload)
}
