package nginxconf

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
)

// directive is a parsed nginx statement; block directives carry children.
type directive struct {
	name     string
	args     []string
	block    bool
	children []*directive
}

// parseConfig is a small nginx tokenizer that follows the core parser rules
// the generator relies on: quoted tokens with backslash escapes, '#'
// comments, ';' terminated statements and brace blocks.
func parseConfig(t *testing.T, text string) []*directive {
	t.Helper()

	type frame struct{ list *[]*directive }
	var root []*directive
	stack := []frame{{list: &root}}
	var words []string
	var cur strings.Builder
	inWord := false

	flushWord := func() {
		if inWord {
			words = append(words, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			quoteChar := r
			inWord = true
			i++
			for ; i < len(runes) && runes[i] != quoteChar; i++ {
				if runes[i] == '\\' && i+1 < len(runes) {
					next := runes[i+1]
					switch next {
					case '"', '\'', '\\':
						cur.WriteRune(next)
					case 'n':
						cur.WriteRune('\n')
					case 't':
						cur.WriteRune('\t')
					case 'r':
						cur.WriteRune('\r')
					default:
						cur.WriteRune('\\')
						cur.WriteRune(next)
					}
					i++
					continue
				}
				cur.WriteRune(runes[i])
			}
			if i >= len(runes) {
				t.Fatalf("unterminated quoted token")
			}
			flushWord()
		case r == '#' && !inWord:
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flushWord()
		case r == ';':
			flushWord()
			if len(words) == 0 {
				t.Fatalf("empty statement")
			}
			list := stack[len(stack)-1].list
			*list = append(*list, &directive{name: words[0], args: words[1:]})
			words = nil
		case r == '{':
			flushWord()
			if len(words) == 0 {
				t.Fatalf("block without name")
			}
			d := &directive{name: words[0], args: words[1:], block: true}
			list := stack[len(stack)-1].list
			*list = append(*list, d)
			stack = append(stack, frame{list: &d.children})
			words = nil
		case r == '}':
			flushWord()
			if len(words) != 0 {
				t.Fatalf("unterminated statement before '}': %v", words)
			}
			if len(stack) == 1 {
				t.Fatalf("unbalanced '}'")
			}
			stack = stack[:len(stack)-1]
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	flushWord()
	if len(words) != 0 {
		t.Fatalf("trailing statement without terminator: %v", words)
	}
	if len(stack) != 1 {
		t.Fatalf("unbalanced braces: depth %d", len(stack)-1)
	}
	return root
}

func blocks(list []*directive) []*directive {
	var out []*directive
	for _, d := range list {
		if d.block {
			out = append(out, d)
		}
	}
	return out
}

func find(list []*directive, name string) *directive {
	for _, d := range list {
		if d.name == name {
			return d
		}
	}
	return nil
}

func applications(t *testing.T, root []*directive) []*directive {
	t.Helper()
	rtmp := find(root, "rtmp")
	require.NotNil(t, rtmp, "rtmp block missing")
	server := find(rtmp.children, "server")
	require.NotNil(t, server, "server block missing")
	var apps []*directive
	for _, d := range server.children {
		if d.name == "application" {
			apps = append(apps, d)
		}
	}
	return apps
}

// unescapeVariables reverses nginx-rtmp runtime evaluation escapes.
func unescapeVariables(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func relayConfig(creds models.CredentialSet) models.RelayConfig {
	return models.NewRelayConfig(creds, models.RelayOptions{ListenPort: 1935})
}

func TestGenerateTwitchScenario(t *testing.T) {
	text, err := Generate(relayConfig(models.CredentialSet{models.PlatformTwitch: "abc123"}))
	require.NoError(t, err)

	root := parseConfig(t, text)
	assert.Len(t, blocks(root), 2)
	assert.NotNil(t, find(root, "events"))

	daemon := find(root, "daemon")
	require.NotNil(t, daemon)
	assert.Equal(t, []string{"off"}, daemon.args)

	server := find(find(root, "rtmp").children, "server")
	listen := find(server.children, "listen")
	require.NotNil(t, listen)
	assert.Equal(t, []string{"1935"}, listen.args)

	apps := applications(t, root)
	require.Len(t, apps, 2)
	assert.Equal(t, []string{"live"}, apps[0].args)
	assert.Equal(t, []string{"twitch"}, apps[1].args)

	push := find(apps[0].children, "push")
	require.NotNil(t, push)
	assert.Equal(t, []string{"rtmp://127.0.0.1:1935/twitch"}, push.args)

	twitch := apps[1]
	var allows []string
	for _, d := range twitch.children {
		if d.name == "allow" || d.name == "deny" {
			allows = append(allows, d.name+" "+strings.Join(d.args, " "))
		}
	}
	assert.Equal(t, []string{
		"allow publish 127.0.0.1",
		"deny publish all",
		"allow play 127.0.0.1",
		"deny play all",
	}, allows)

	exec := find(twitch.children, "exec")
	require.NotNil(t, exec)
	assert.Equal(t, "ffmpeg", exec.args[0])
	assert.Equal(t, []string{"-i", "rtmp://127.0.0.1:1935/twitch/$name"}, exec.args[1:3])
	assert.Contains(t, strings.Join(exec.args, " "), "-b:v 6000k -maxrate 6000k -bufsize 6000k")
	assert.Equal(t, "rtmp://live.twitch.tv/app/abc123", exec.args[len(exec.args)-1])
}

func TestGenerateOneApplicationPerPlatformInRegistryOrder(t *testing.T) {
	creds := models.CredentialSet{
		models.PlatformKick:    "kick-key",
		models.PlatformYouTube: "yt-key",
		models.PlatformTwitch:  "tw-key",
	}

	text, err := Generate(relayConfig(creds))
	require.NoError(t, err)

	apps := applications(t, parseConfig(t, text))
	require.Len(t, apps, 4)
	var names []string
	for _, app := range apps[1:] {
		names = append(names, app.args[0])
	}
	assert.Equal(t, []string{"twitch", "youtube", "kick"}, names)

	var pushes []string
	for _, d := range apps[0].children {
		if d.name == "push" {
			pushes = append(pushes, d.args[0])
		}
	}
	assert.Equal(t, []string{
		"rtmp://127.0.0.1:1935/twitch",
		"rtmp://127.0.0.1:1935/youtube",
		"rtmp://127.0.0.1:1935/kick",
	}, pushes)

	assert.Contains(t, text, "-b:v 12000k")
	assert.Contains(t, text, "-b:v 10000k")
	assert.Contains(t, text, "rtmp://a.rtmp.youtube.com/live2/yt-key")
	assert.Contains(t, text, "rtmp://ingest.kick.com/live/kick-key")
}

func TestGenerateSkipsDisabledPlatforms(t *testing.T) {
	text, err := Generate(relayConfig(models.CredentialSet{
		models.PlatformTwitch:  "",
		models.PlatformYouTube: "yt",
	}))
	require.NoError(t, err)

	apps := applications(t, parseConfig(t, text))
	require.Len(t, apps, 2)
	assert.Equal(t, "youtube", apps[1].args[0])
	assert.NotContains(t, text, "twitch")
}

func TestGenerateIsDeterministic(t *testing.T) {
	creds := models.CredentialSet{
		models.PlatformKick:    "k",
		models.PlatformTwitch:  "t",
		models.PlatformYouTube: "y",
	}

	first, err := Generate(relayConfig(creds))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Generate(relayConfig(creds))
		require.NoError(t, err)
		require.Equal(t, first, again, "iteration %d", i)
	}
}

func TestGenerateHostileKeysKeepGrammar(t *testing.T) {
	keys := []string{
		`abc"; exec rm -rf / #`,
		`'; } } rtmp { server { listen 80; } #`,
		"`reboot`",
		`$(reboot)`,
		`${name}$app`,
		`back\slash\"quote`,
		`trailing\`,
		`semi;colon{brace}`,
		`# not a comment`,
		`spaces in key`,
		`ключ🔑`,
		`%s%d%v`,
		`"`,
		`''''`,
	}

	for _, key := range keys {
		t.Run(fmt.Sprintf("%q", key), func(t *testing.T) {
			text, err := Generate(relayConfig(models.CredentialSet{
				models.PlatformTwitch: models.StreamKey(key),
				models.PlatformKick:   "plain",
			}))
			require.NoError(t, err)

			root := parseConfig(t, text)
			require.Len(t, blocks(root), 2, "top-level block count changed")

			apps := applications(t, root)
			require.Len(t, apps, 3)

			exec := find(apps[1].children, "exec")
			require.NotNil(t, exec)
			dest := exec.args[len(exec.args)-1]
			assert.Equal(t, "rtmp://live.twitch.tv/app/"+key, unescapeVariables(dest))
			assert.Equal(t, "-f", exec.args[len(exec.args)-3])
			assert.Equal(t, "flv", exec.args[len(exec.args)-2])
		})
	}
}

func TestGenerateProfileAndTranscoderStayLiteral(t *testing.T) {
	hostile := models.EncodeProfile{
		VideoBitrateKbps: 6000, AudioBitrateKbps: 160, AudioSampleRate: 44100, AudioChannels: 2,
		Framerate: 30, KeyframeInterval: 50,
		Preset: "veryfast; } } } rtmp { server { listen 80",
		Tuning: "$app",
	}
	cfg := models.NewRelayConfig(models.CredentialSet{models.PlatformTwitch: "abc123"}, models.RelayOptions{
		ListenPort:     1935,
		TranscoderPath: "/opt/$name/ffmpeg",
		Profiles:       map[models.Platform]models.EncodeProfile{models.PlatformTwitch: hostile},
	})

	text, err := Generate(cfg)
	require.NoError(t, err)

	root := parseConfig(t, text)
	require.Len(t, blocks(root), 2, "top-level block count changed")
	apps := applications(t, root)
	require.Len(t, apps, 2)

	exec := find(apps[1].children, "exec")
	require.NotNil(t, exec)
	assert.Equal(t, "/opt/$name/ffmpeg", unescapeVariables(exec.args[0]))

	preset := slices.Index(exec.args, "-preset")
	require.GreaterOrEqual(t, preset, 0)
	assert.Equal(t, hostile.Preset, unescapeVariables(exec.args[preset+1]))
	assert.Equal(t, "-tune", exec.args[preset+2])
	assert.Equal(t, "$app", unescapeVariables(exec.args[preset+3]))
	assert.Equal(t, `\$app`, exec.args[preset+3], "variables must be escaped")
	assert.Equal(t, "rtmp://live.twitch.tv/app/abc123", exec.args[len(exec.args)-1])
}

func TestGenerateRejectsControlCharacters(t *testing.T) {
	for _, key := range []string{"abc\n}", "ab\rc", "\x00", "a\tb"} {
		_, err := Generate(relayConfig(models.CredentialSet{models.PlatformTwitch: models.StreamKey(key)}))
		require.Error(t, err)
		assert.ErrorIs(t, err, relayerrors.ErrInvalidStreamKey)
		assert.NotContains(t, err.Error(), key)
	}
}

func TestGenerateUnsupportedPlatform(t *testing.T) {
	_, err := Generate(relayConfig(models.CredentialSet{"myspace": "key"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, relayerrors.ErrUnsupportedPlatform))
	assert.Equal(t, relayerrors.KindConfiguration, relayerrors.KindOf(err))
}

func TestGenerateEmptyCredentialsFails(t *testing.T) {
	_, err := Generate(relayConfig(models.CredentialSet{}))
	assert.ErrorIs(t, err, relayerrors.ErrNoPlatformsConfigured)

	_, err = Generate(relayConfig(models.CredentialSet{models.PlatformTwitch: "   "}))
	assert.ErrorIs(t, err, relayerrors.ErrNoPlatformsConfigured)
}

func TestGenerateOptions(t *testing.T) {
	cfg := models.NewRelayConfig(models.CredentialSet{models.PlatformKick: "key"}, models.RelayOptions{
		ListenPort:               19350,
		ApplicationName:          "obs",
		TranscoderPath:           `/opt/ffmpeg "static"/ffmpeg`,
		PIDPath:                  "/run/streamrelay/nginx.pid",
		RestrictIngestToLoopback: true,
		IngestURLs:               map[models.Platform]string{models.PlatformKick: "rtmps://edge.kick.example/app/"},
		Profiles: map[models.Platform]models.EncodeProfile{
			models.PlatformKick: {
				VideoBitrateKbps: 4500, AudioBitrateKbps: 128, AudioSampleRate: 48000, AudioChannels: 2,
				Framerate: 60, KeyframeInterval: 120, Preset: "faster", Tuning: "film",
			},
		},
	})

	text, err := Generate(cfg)
	require.NoError(t, err)
	root := parseConfig(t, text)

	pid := find(root, "pid")
	require.NotNil(t, pid)
	assert.Equal(t, []string{"/run/streamrelay/nginx.pid"}, pid.args)

	apps := applications(t, root)
	require.Len(t, apps, 2)
	assert.Equal(t, "obs", apps[0].args[0])

	var ingestRules []string
	for _, d := range apps[0].children {
		if d.name == "allow" || d.name == "deny" {
			ingestRules = append(ingestRules, d.name+" "+strings.Join(d.args, " "))
		}
	}
	assert.Equal(t, []string{"allow publish 127.0.0.1", "deny publish all", "allow play all"}, ingestRules)
	assert.Equal(t, []string{"rtmp://127.0.0.1:19350/kick"}, find(apps[0].children, "push").args)

	exec := find(apps[1].children, "exec")
	require.NotNil(t, exec)
	assert.Equal(t, `/opt/ffmpeg "static"/ffmpeg`, exec.args[0])
	joined := strings.Join(exec.args, " ")
	assert.Contains(t, joined, "-preset faster -tune film")
	assert.Contains(t, joined, "-b:v 4500k")
	assert.Contains(t, joined, "-g 120 -r 60")
	assert.Contains(t, joined, "-b:a 128k -ar 48000 -ac 2")
	assert.Equal(t, "rtmps://edge.kick.example/app/key", exec.args[len(exec.args)-1])
}
