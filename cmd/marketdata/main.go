package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Downloads Binance klines and writes them as a JSONL tick feed: one
// {"ts":..,"price":".."} line per kline close, the format the backtester
// replays.

const defaultBaseURL = "https://api.binance.com"

const klineBatchLimit = 1000

type tickLine struct {
	TS    int64  `json:"ts"`
	Price string `json:"price"`
}

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		startRaw string
		endRaw   string
		outPath  string
		timeout  int
	)
	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "binance REST base url")
	flag.StringVar(&symbol, "symbol", "BTCUSDT", "trading symbol")
	flag.StringVar(&interval, "interval", "1m", "kline interval")
	flag.StringVar(&startRaw, "start", "", "start date (YYYY-MM-DD, UTC)")
	flag.StringVar(&endRaw, "end", "", "end date inclusive (YYYY-MM-DD, UTC; default today)")
	flag.StringVar(&outPath, "out", "", "output jsonl path (default data/<symbol>-<interval>.jsonl)")
	flag.IntVar(&timeout, "timeout", 20, "http timeout seconds")
	flag.Parse()

	if startRaw == "" {
		fatal(errors.New("-start is required"))
	}
	start, err := time.ParseInLocation("2006-01-02", startRaw, time.UTC)
	if err != nil {
		fatal(fmt.Errorf("parse -start: %w", err))
	}
	end := time.Now().UTC()
	if endRaw != "" {
		d, err := time.ParseInLocation("2006-01-02", endRaw, time.UTC)
		if err != nil {
			fatal(fmt.Errorf("parse -end: %w", err))
		}
		end = d.Add(24 * time.Hour)
	}
	if !end.After(start) {
		fatal(errors.New("-end must be after -start"))
	}
	if outPath == "" {
		outPath = filepath.Join("data", fmt.Sprintf("%s-%s.jsonl", symbol, interval))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fatal(err)
	}

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fatal(err)
	}
	defer out.Close()

	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	ctx := context.Background()

	written := 0
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	for cursor < endMs {
		batch, err := fetchKlines(ctx, client, baseURL, symbol, interval, cursor, endMs)
		if err != nil {
			fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			line, err := json.Marshal(tickLine{TS: k.closeTime, Price: k.close})
			if err != nil {
				fatal(err)
			}
			if _, err := out.Write(append(line, '\n')); err != nil {
				fatal(err)
			}
			written++
		}
		cursor = batch[len(batch)-1].closeTime + 1
		// Stay well under Binance request weight limits.
		time.Sleep(250 * time.Millisecond)
	}

	if err := out.Sync(); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %d ticks to %s\n", written, outPath)
}

type klineRow struct {
	closeTime int64
	close     string
}

func fetchKlines(ctx context.Context, client *http.Client, baseURL, symbol, interval string, startMs, endMs int64) ([]klineRow, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(klineBatchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v3/klines?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines http %d: %s", resp.StatusCode, string(body))
	}

	// Kline rows are positional arrays; only close time and close price are
	// kept.
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	rows := make([]klineRow, 0, len(raw))
	for _, r := range raw {
		if len(r) < 7 {
			continue
		}
		var closeTime int64
		if err := json.Unmarshal(r[6], &closeTime); err != nil {
			continue
		}
		var closePrice string
		if err := json.Unmarshal(r[4], &closePrice); err != nil {
			continue
		}
		rows = append(rows, klineRow{closeTime: closeTime, close: closePrice})
	}
	return rows, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "marketdata: %v\n", err)
	os.Exit(1)
}
