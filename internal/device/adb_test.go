package device

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, name+" "+key)
	return []byte(f.outputs[key]), f.errs[key]
}

func newTestADB(r *fakeRunner) *ADB {
	a := NewADB("", "emulator-5554")
	a.runner = r
	return a
}

func TestADB_ListOpenUnixSockets(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"-s emulator-5554 shell cat /proc/net/unix": "Num RefCount Protocol Flags Type St Inode Path\n",
	}}
	out, err := newTestADB(r).ListOpenUnixSockets(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "Inode Path")
	assert.Equal(t, "adb -s emulator-5554 shell cat /proc/net/unix", r.calls[0])
}

func TestADB_ResolveProcessName(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"-s emulator-5554 shell ps -A -o PID,NAME": "  PID NAME\n    1 init\n 4821 com.example.app\n",
	}}
	name, err := newTestADB(r).ResolveProcessName(context.Background(), 4821)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", name)

	_, err = newTestADB(r).ResolveProcessName(context.Background(), 999)
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestADB_ResolveProcessName_LegacyPs(t *testing.T) {
	r := &fakeRunner{
		outputs: map[string]string{
			"-s emulator-5554 shell ps": "USER     PID   PPID  VSIZE  RSS     WCHAN    PC         NAME\n" +
				"u0_a55    4821  190   1012   100   ffffffff 00000000 S com.legacy.app\n",
		},
		errs: map[string]error{
			"-s emulator-5554 shell ps -A -o PID,NAME": errors.New("bad option"),
		},
	}
	name, err := newTestADB(r).ResolveProcessName(context.Background(), 4821)
	require.NoError(t, err)
	assert.Equal(t, "com.legacy.app", name)
}

func TestADB_Forward(t *testing.T) {
	r := &fakeRunner{}
	a := newTestADB(r)
	require.NoError(t, a.Forward(context.Background(), 10900, "webview_devtools_remote_4821"))
	require.NoError(t, a.RemoveForward(context.Background(), 10900))
	assert.Equal(t, []string{
		"adb -s emulator-5554 forward tcp:10900 localabstract:webview_devtools_remote_4821",
		"adb -s emulator-5554 forward --remove tcp:10900",
	}, r.calls)
}

func TestADB_PackageRunState(t *testing.T) {
	base := map[string]string{
		"-s emulator-5554 shell pm path com.android.chrome": "package:/data/app/base.apk\n",
		"-s emulator-5554 shell pm path com.chrome.beta":    "package:/data/app/beta.apk\n",
		"-s emulator-5554 shell pidof com.android.chrome":   "5120\n",
		"-s emulator-5554 shell pidof com.chrome.beta":      "6001\n",
		"-s emulator-5554 shell dumpsys activity activities": "  mResumedActivity: ActivityRecord{1 u0 com.android.chrome/org.chromium.Main t2}\n",
	}
	a := newTestADB(&fakeRunner{outputs: base})
	ctx := context.Background()

	tests := []struct {
		pkg  string
		want RunState
	}{
		{"com.android.chrome", Foreground},
		{"com.chrome.beta", Background},
		{"com.chrome.dev", NotInstalled},
	}
	for _, tt := range tests {
		t.Run(tt.pkg, func(t *testing.T) {
			got, err := a.PackageRunState(ctx, tt.pkg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestADB_PackageRunState_NotRunning(t *testing.T) {
	a := newTestADB(&fakeRunner{outputs: map[string]string{
		"-s emulator-5554 shell pm path com.example": "package:/data/app/x.apk\n",
	}})
	got, err := a.PackageRunState(context.Background(), "com.example")
	require.NoError(t, err)
	assert.Equal(t, NotRunning, got)
}

func TestRunStateString(t *testing.T) {
	assert.Equal(t, "FOREGROUND", Foreground.String())
	assert.Equal(t, "RunState(9)", RunState(9).String())
}
