package decoder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"github.com/kstaniek/go-ais-relay/internal/gateway"
	"github.com/kstaniek/go-ais-relay/internal/logging"
)

type frag struct {
	text         string
	total, index uint8
}

type level struct {
	ch   int
	pct  float32
	high bool
}

func recorder() (*gateway.Gateway, *[]frag, *[]level) {
	var fs []frag
	var ls []level
	g := gateway.New()
	g.OnSentence(func(text string, length uint, total, index uint8) {
		fs = append(fs, frag{text[:length], total, index})
	})
	g.OnLevel(func(l float32, ch int, high bool) { ls = append(ls, level{ch, l, high}) })
	return g, &fs, &ls
}

func TestFeed(t *testing.T) {
	out := strings.Join([]string{
		"Starting decoder",
		"!AIVDM,2,1,3,B,55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8,0*1C\r",
		"RX Level on ch 0: 23 %",
		"!AIVDM,2,2,3,B,88888888880,2*25",
		"RX Level on ch 1 too high: 91 %",
		"",
	}, "\n")
	g, fs, ls := recorder()
	Feed(strings.NewReader(out), g, logging.Discard())
	wantF := []frag{
		{"!AIVDM,2,1,3,B,55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8,0*1C\r\n", 2, 1},
		{"!AIVDM,2,2,3,B,88888888880,2*25\r\n", 2, 2},
	}
	if !reflect.DeepEqual(*fs, wantF) {
		t.Fatalf("fragments %+v", *fs)
	}
	wantL := []level{{0, 23, false}, {1, 91, true}}
	if !reflect.DeepEqual(*ls, wantL) {
		t.Fatalf("levels %+v", *ls)
	}
}

// A line over the read limit is dropped and the following output still flows.
func TestFeedSkipsOverlongLine(t *testing.T) {
	out := "!AIVDM,1,1,,A,a,0*00\n" + strings.Repeat("z", 70*1024) + "\n!AIVDM,1,1,,A,b,0*00\n"
	var logs bytes.Buffer
	g, fs, _ := recorder()
	Feed(strings.NewReader(out), g, logging.New("json", slog.LevelDebug, &logs))
	wantF := []frag{
		{"!AIVDM,1,1,,A,a,0*00\r\n", 1, 1},
		{"!AIVDM,1,1,,A,b,0*00\r\n", 1, 1},
	}
	if !reflect.DeepEqual(*fs, wantF) {
		t.Fatalf("fragments %+v", *fs)
	}
	if strings.Count(logs.String(), "decoder_line_too_long") != 1 {
		t.Fatalf("expected one too-long report, logs: %.200s", logs.String())
	}
	if strings.Contains(logs.String(), "zzzz") {
		t.Fatalf("overlong line leaked into output log")
	}
}

// A final line without a newline is still processed.
func TestFeedUnterminatedTail(t *testing.T) {
	g, fs, ls := recorder()
	Feed(strings.NewReader("RX Level on ch 0: 5 %\n!AIVDM,1,1,,A,c,0*00"), g, logging.Discard())
	if len(*ls) != 1 || len(*fs) != 1 || (*fs)[0].text != "!AIVDM,1,1,,A,c,0*00\r\n" {
		t.Fatalf("fragments %+v levels %+v", *fs, *ls)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		line string
		ch   int
		pct  float32
		high bool
		ok   bool
	}{
		{"RX Level on ch 0: 12 %", 0, 12, false, true},
		{"RX Level on ch 1 too high: 100 %", 1, 100, true, true},
		{"RX Level on ch 0: 7.5%", 0, 7.5, false, true},
		{"RX Level on ch x: 7 %", 0, 0, false, false},
		{"level 7", 0, 0, false, false},
	}
	for _, tc := range tests {
		ch, pct, high, ok := ParseLevel(tc.line)
		if ok != tc.ok || ch != tc.ch || pct != tc.pct || high != tc.high {
			t.Fatalf("%q: got %d %v %v %v", tc.line, ch, pct, high, ok)
		}
	}
}

func TestArgv(t *testing.T) {
	c := Config{Pipe: "/tmp/aisdata_0"}
	want := []string{"aisdecoder", "-d", "-l", "-f", "/tmp/aisdata_0"}
	if got := c.Argv(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
	c.Command = "ais-dec --in={pipe}  -q"
	want = []string{"ais-dec", "--in=/tmp/aisdata_0", "-q"}
	if got := c.Argv(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
}

func TestRunStartFailure(t *testing.T) {
	g, _, _ := recorder()
	err := Run(context.Background(), Config{Command: "/nonexistent/aisdecoder {pipe}", Pipe: "/tmp/x"}, g, logging.Discard())
	if !errors.Is(err, ErrStart) {
		t.Fatalf("expected ErrStart, got %v", err)
	}
}

func TestRunDeliversOutput(t *testing.T) {
	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
	g, fs, _ := recorder()
	cfg := Config{Command: `printf !AIVDM,1,1,,A,15MgK45P3@G?fl0E,0*4E\n`}
	if err := Run(context.Background(), cfg, g, logging.Discard()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(*fs) != 1 || (*fs)[0].text != "!AIVDM,1,1,,A,15MgK45P3@G?fl0E,0*4E\r\n" {
		t.Fatalf("got %+v", *fs)
	}
}
