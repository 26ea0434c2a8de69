package stages

import (
	"bytes"
	"io"
	"regexp"
	"strconv"

	"github.com/splatforge/platform/pkg/runner"
)

// lineSplitter buffers tool output and hands out complete lines. Carriage
// returns count as line ends since progress bars redraw with them.
type lineSplitter struct {
	buf    []byte
	onLine func(string)
}

const maxPendingLine = 64 * 1024

func (s *lineSplitter) Write(p []byte) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexAny(s.buf, "\r\n")
		if i < 0 {
			break
		}
		if i > 0 {
			s.onLine(string(s.buf[:i]))
		}
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) > maxPendingLine {
		s.buf = s.buf[len(s.buf)-maxPendingLine:]
	}
}

// outputHandler copies every chunk into the stage log and feeds lines from
// both streams to onLine.
func outputHandler(log io.Writer, onLine func(string)) func(runner.Stream, []byte) {
	splitters := map[runner.Stream]*lineSplitter{}
	return func(stream runner.Stream, chunk []byte) {
		if log != nil {
			_, _ = log.Write(chunk)
		}
		if onLine == nil {
			return
		}
		s, ok := splitters[stream]
		if !ok {
			s = &lineSplitter{onLine: onLine}
			splitters[stream] = s
		}
		s.Write(chunk)
	}
}

var (
	ffmpegFrameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	percentRe     = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	iterRe        = regexp.MustCompile(`(?i)\bITER(?:ATION)?\s+(\d+)`)
)

// parseFFmpegFrame returns the last frame counter on an ffmpeg status line.
func parseFFmpegFrame(line string) (int, bool) {
	matches := ffmpegFrameRe.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	return n, err == nil
}

// parseTrainerProgress reads a fraction from trainer output, either a
// percentage from its progress bar or an iteration counter.
func parseTrainerProgress(line string, iterations int) (float64, bool) {
	best, found := 0.0, false
	if m := percentRe.FindAllStringSubmatch(line, -1); len(m) > 0 {
		if pct, err := strconv.ParseFloat(m[len(m)-1][1], 64); err == nil && pct <= 100 {
			best, found = pct/100, true
		}
	}
	if iterations > 0 {
		if m := iterRe.FindStringSubmatch(line); m != nil {
			if it, err := strconv.Atoi(m[1]); err == nil {
				f := float64(it) / float64(iterations)
				if f > 1 {
					f = 1
				}
				if !found || f > best {
					best, found = f, true
				}
			}
		}
	}
	return best, found
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
