package backtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Tick is one price observation from a recorded feed.
type Tick struct {
	Time  time.Time       `json:"ts"`
	Price decimal.Decimal `json:"price"`
}

type tickLine struct {
	TS    int64           `json:"ts"`
	Price decimal.Decimal `json:"price"`
}

// ReadTicks parses a JSONL tick file. Blank and malformed lines are skipped
// with a warning; a recorded feed often has a truncated tail from an
// interrupted download.
func ReadTicks(r io.Reader) ([]Tick, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ticks []Tick
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var tl tickLine
		if err := json.Unmarshal(line, &tl); err != nil {
			skipped++
			continue
		}
		if tl.TS <= 0 || tl.Price.Cmp(decimal.Zero) <= 0 {
			skipped++
			continue
		}
		ticks = append(ticks, Tick{
			Time:  time.UnixMilli(tl.TS).UTC(),
			Price: tl.Price,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tick feed: %w", err)
	}
	if skipped > 0 {
		log.Warn().Str("event", "feed_lines_skipped").Int("skipped", skipped).Int("total", lineNo).Send()
	}
	return ticks, nil
}

func ReadTicksFile(path string) ([]Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTicks(f)
}
