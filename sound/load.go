package sound

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/audio/vorbis"
	"github.com/hajimehoshi/ebiten/v2/audio/wav"
	"github.com/milk9111/skyrunner/mode"
)

// TrackSpec describes one music file to load into the mixer.
type TrackSpec struct {
	Name   string
	Path   string
	Owner  mode.ID
	Volume float64
	Loop   bool
}

// LoadTracks decodes each spec from disk and registers it with the mixer.
// Files that are missing or fail to decode are logged and skipped; the
// number of loaded tracks is returned.
func (m *Mixer) LoadTracks(actx *audio.Context, specs []TrackSpec) (int, error) {
	if actx == nil {
		return 0, fmt.Errorf("sound: audio context is nil")
	}
	loaded := 0
	for _, spec := range specs {
		player, err := newPlayer(actx, spec)
		if err != nil {
			m.logger.Warn("skipping track", "track", spec.Name, "path", spec.Path, "err", err)
			continue
		}
		m.Add(spec.Name, spec.Owner, player, spec.Volume, spec.Loop)
		loaded++
	}
	return loaded, nil
}

type lengthStream interface {
	io.ReadSeeker
	Length() int64
}

func newPlayer(actx *audio.Context, spec TrackSpec) (*audio.Player, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("track name is required")
	}
	b, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, err
	}
	reader := bytes.NewReader(b)

	var stream lengthStream
	switch strings.ToLower(filepath.Ext(spec.Path)) {
	case ".wav":
		s, err := wav.DecodeWithSampleRate(actx.SampleRate(), reader)
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		stream = s
	case ".ogg":
		s, err := vorbis.DecodeWithSampleRate(actx.SampleRate(), reader)
		if err != nil {
			return nil, fmt.Errorf("decode ogg: %w", err)
		}
		stream = s
	default:
		// Already-decoded PCM in ebiten's native format.
		return actx.NewPlayerFromBytes(b), nil
	}

	if spec.Loop {
		return actx.NewPlayer(audio.NewInfiniteLoop(stream, stream.Length()))
	}
	return actx.NewPlayer(stream)
}
