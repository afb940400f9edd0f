package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"sceneforge/internal/telemetry"
)

// backendCheckTimeout bounds the single device stats request.
const backendCheckTimeout = 5 * time.Second

// CheckBackend asks the backend for device stats once and names the primary
// device on success.
func CheckBackend(ctx context.Context, url string, sampler telemetry.DeviceSampler) Result {
	const name = "Backend"

	checkCtx, cancel := context.WithTimeout(ctx, backendCheckTimeout)
	defer cancel()

	stats, err := sampler.DeviceStats(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (%s)", url, describeBackendError(err))}
	}
	device, ok := stats.Primary()
	if !ok {
		return Result{Name: name, Passed: true, Detail: url + " (reachable, no devices reported)"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", url, device.Name)}
}

// CheckDirectoryAccess passes when path is a directory the process can list
// and write into. The detail reports free space on success.
func CheckDirectoryAccess(name, path string) Result {
	fail := func(reason string) Result {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %s)", path, reason)}
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail("does not exist")
	case err != nil:
		return fail(fmt.Sprintf("stat: %v", err))
	case !info.IsDir():
		return fail("is not a directory")
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fail(fmt.Sprintf("insufficient permissions: %v", err))
	}

	detail := "read/write ok"
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err == nil {
		freeMB := float64(st.Bavail) * float64(st.Bsize) / (1 << 20)
		detail = fmt.Sprintf("read/write ok, %.0f MB free", freeMB)
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, detail)}
}

func describeBackendError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "device stats timed out (backend unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "device stats timed out (backend unreachable)"
	}
	return err.Error()
}
