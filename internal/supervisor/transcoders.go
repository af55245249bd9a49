package supervisor

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	goprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/rcourtman/streamrelay/internal/models"
)

// descendant is a child process seen below the media server.
type descendant struct {
	PID     int32
	Cmdline []string
	Running bool
}

// System call wrappers for testing
var listDescendants = gopsutilDescendants

const maxProcessDepth = 4

// Transcoders reports the transcoder processes the media server has spawned,
// ordered by platform.
func (s *Supervisor) Transcoders(ctx context.Context, h *Handle) ([]models.TranscoderStatus, error) {
	if !IsAlive(h) {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	procs, err := listDescendants(ctx, int32(h.PID))
	if err != nil {
		return nil, err
	}

	var out []models.TranscoderStatus
	for _, p := range procs {
		platform, ok := transcoderPlatform(p.Cmdline)
		if !ok {
			continue
		}
		out = append(out, models.TranscoderStatus{Platform: platform, PID: p.PID, Running: p.Running})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return models.ComparePlatforms(out[i].Platform, out[j].Platform) < 0
	})
	return out, nil
}

// transcoderPlatform picks the platform out of a transcoder command line
// reading from rtmp://127.0.0.1:<port>/<platform>/<name>.
func transcoderPlatform(args []string) (models.Platform, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-i" {
			continue
		}
		u, err := url.Parse(args[i+1])
		if err != nil || u.Scheme != "rtmp" || u.Hostname() != "127.0.0.1" {
			continue
		}
		segment, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		platform := models.ParsePlatform(segment)
		if !platform.Supported() {
			continue
		}
		return platform, true
	}
	return "", false
}

func gopsutilDescendants(ctx context.Context, pid int32) ([]descendant, error) {
	root, err := goprocess.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}

	var out []descendant
	level := []*goprocess.Process{root}
	for depth := 0; depth < maxProcessDepth && len(level) > 0; depth++ {
		var next []*goprocess.Process
		for _, p := range level {
			children, err := p.ChildrenWithContext(ctx)
			if err != nil {
				if errors.Is(err, goprocess.ErrorNoChildren) {
					continue
				}
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				continue
			}
			for _, c := range children {
				cmdline, err := c.CmdlineSliceWithContext(ctx)
				if err != nil {
					continue
				}
				running, _ := c.IsRunningWithContext(ctx)
				out = append(out, descendant{PID: c.Pid, Cmdline: cmdline, Running: running})
			}
			next = append(next, children...)
		}
		level = next
	}
	return out, nil
}
