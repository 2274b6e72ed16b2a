package webview

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocketTable(t *testing.T) {
	table := socketHeader +
		socketRow("00010000", "01", "@webview_devtools_remote_4821") +
		socketRow("00010000", "01", "@chrome_devtools_remote") +
		socketRow("00000000", "01", "@webview_devtools_remote_1111") +
		socketRow("00010000", "03", "@webview_devtools_remote_2222") +
		socketRow("00010000", "01", "/dev/socket/webview_devtools_remote_3333") +
		socketRow("00010000", "01", "@jdwp-control") +
		socketRow("00010000", "01", "@stetho_com.example.app_devtools_remote") +
		socketRow("00010000", "01", "@webview_devtools_remote_4821") +
		"0000000000000000: 00000002 00000000 00010000 0001 01 12345\n"

	got := parseSocketTable(table, DefaultRules)
	want := []SocketDescriptor{
		{RemoteSocketName: "webview_devtools_remote_4821", RawContextID: "@webview_devtools_remote_4821"},
		{RemoteSocketName: "chrome_devtools_remote", RawContextID: "@chrome_devtools_remote"},
		{RemoteSocketName: "stetho_com.example.app_devtools_remote", RawContextID: "@stetho_com.example.app_devtools_remote"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseSocketTable mismatch (-want +got):\n%s", diff)
	}
}

func TestScan(t *testing.T) {
	t.Run("no sockets", func(t *testing.T) {
		got, err := Scan(context.Background(), &fakeBridge{table: socketHeader})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("bridge failure", func(t *testing.T) {
		boom := errors.New("device offline")
		_, err := Scan(context.Background(), &fakeBridge{tableErr: boom})
		assert.ErrorIs(t, err, boom)
	})
}

func TestFilterSockets(t *testing.T) {
	socks := []SocketDescriptor{
		{RemoteSocketName: "webview_devtools_remote_1", RawContextID: "@webview_devtools_remote_1"},
		{RemoteSocketName: "chrome_devtools_remote", RawContextID: "@chrome_devtools_remote"},
	}

	assert.Equal(t, socks, FilterSockets(socks, ""))
	assert.Equal(t, socks[1:], FilterSockets(socks, "chrome_devtools_remote"))
	assert.Equal(t, socks[1:], FilterSockets(socks, "@chrome_devtools_remote"))
	assert.Empty(t, FilterSockets(socks, "other_devtools_remote"))
}
