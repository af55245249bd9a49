package models

import (
	"sort"
	"strings"
)

// Platform identifies a third-party streaming destination.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformKick    Platform = "kick"
)

// EncodeProfile is the transcoder setting set used for one platform.
type EncodeProfile struct {
	VideoBitrateKbps int    `json:"videoBitrateKbps" yaml:"video_bitrate_kbps"`
	AudioBitrateKbps int    `json:"audioBitrateKbps" yaml:"audio_bitrate_kbps"`
	AudioSampleRate  int    `json:"audioSampleRate" yaml:"audio_sample_rate"`
	AudioChannels    int    `json:"audioChannels" yaml:"audio_channels"`
	Framerate        int    `json:"framerate" yaml:"framerate"`
	KeyframeInterval int    `json:"keyframeInterval" yaml:"keyframe_interval"`
	Preset           string `json:"preset" yaml:"preset"`
	Tuning           string `json:"tuning" yaml:"tuning"`
}

// PlatformSpec describes a registered platform.
type PlatformSpec struct {
	Platform    Platform      `json:"platform"`
	DisplayName string        `json:"displayName"`
	IngestURL   string        `json:"ingestUrl"`
	SettingsKey string        `json:"settingsKey"`
	Profile     EncodeProfile `json:"profile"`
}

func baseProfile(videoKbps int) EncodeProfile {
	return EncodeProfile{
		VideoBitrateKbps: videoKbps,
		AudioBitrateKbps: 160,
		AudioSampleRate:  44100,
		AudioChannels:    2,
		Framerate:        30,
		KeyframeInterval: 50,
		Preset:           "veryfast",
		Tuning:           "zerolatency",
	}
}

// registry order is the output order of every generated configuration.
var registry = []PlatformSpec{
	{
		Platform:    PlatformTwitch,
		DisplayName: "Twitch",
		IngestURL:   "rtmp://live.twitch.tv/app",
		SettingsKey: "TwitchKey",
		Profile:     baseProfile(6000),
	},
	{
		Platform:    PlatformYouTube,
		DisplayName: "YouTube",
		IngestURL:   "rtmp://a.rtmp.youtube.com/live2",
		SettingsKey: "YouTubeKey",
		Profile:     baseProfile(12000),
	},
	{
		Platform:    PlatformKick,
		DisplayName: "Kick",
		IngestURL:   "rtmp://ingest.kick.com/live",
		SettingsKey: "KickKey",
		Profile:     baseProfile(10000),
	},
}

// Platforms returns every registered platform spec in registry order.
func Platforms() []PlatformSpec {
	out := make([]PlatformSpec, len(registry))
	copy(out, registry)
	return out
}

// LookupPlatform returns the spec for p.
func LookupPlatform(p Platform) (PlatformSpec, bool) {
	for _, spec := range registry {
		if spec.Platform == p {
			return spec, true
		}
	}
	return PlatformSpec{}, false
}

// ParsePlatform normalises a user supplied platform name. Unknown names are
// returned as-is so that callers can report them as unsupported.
func ParsePlatform(name string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(name)))
}

// Supported reports whether p is in the registry.
func (p Platform) Supported() bool {
	_, ok := LookupPlatform(p)
	return ok
}

func (p Platform) String() string {
	return string(p)
}

func (p Platform) rank() int {
	for i, spec := range registry {
		if spec.Platform == p {
			return i
		}
	}
	return len(registry)
}

// ComparePlatforms orders by registry position, unknown platforms last by name.
func ComparePlatforms(a, b Platform) int {
	ra, rb := a.rank(), b.rank()
	switch {
	case ra != rb:
		return ra - rb
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SortPlatforms orders platforms by registry position, unknown ones last by name.
func SortPlatforms(ps []Platform) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ComparePlatforms(ps[i], ps[j]) < 0
	})
}
