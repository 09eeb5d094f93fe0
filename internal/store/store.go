package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

// StrategyState is the persisted snapshot of the strategy core. It exists to
// speed up restarts; venue reconciliation remains the source of truth.
type StrategyState struct {
	Strategy     string          `json:"strategy"`
	Symbol       string          `json:"symbol"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
	State        string          `json:"state"`
	Spacing      string          `json:"spacing"`
	LowerPrice   decimal.Decimal `json:"lower_price"`
	UpperPrice   decimal.Decimal `json:"upper_price"`
	Levels       int             `json:"levels"`
	TotalCapital decimal.Decimal `json:"total_capital"`
	ReserveRatio decimal.Decimal `json:"reserve_ratio"`
	Rules        core.Rules      `json:"rules"`
	Position     PositionState   `json:"position"`
	HaltReason   string          `json:"halt_reason,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PositionState carries the risk controller's restorable fields.
type PositionState struct {
	NetQty        decimal.Decimal `json:"net_qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
}

type OpenOrdersSnapshot struct {
	SnapshotID string       `json:"snapshot_id,omitempty"`
	Orders     []core.Order `json:"orders"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
}

type TradeLedgerEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seen_at"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	Symbol            string     `json:"symbol"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Persister is the narrow surface the strategy core writes through.
type Persister interface {
	SaveState(state StrategyState) error
	SaveOpenOrders(orders []core.Order) error
	AppendTrade(trade core.Trade) error
}

type Store struct {
	root               string
	mu                 sync.Mutex
	pendingSnapshotID  string
	tradeLedgerLoaded  bool
	tradeLedger        map[string]struct{}
	tradeLedgerEntries []TradeLedgerEntry
}

const (
	tradeLedgerMaxEntries    = 10000
	tradeLedgerTrimToEntries = 8000
)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveState(state StrategyState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	state.SnapshotID = strings.TrimSpace(state.SnapshotID)
	if state.SnapshotID == "" {
		state.SnapshotID = newSnapshotID(state.UpdatedAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.statePath(), state); err != nil {
		return err
	}
	s.pendingSnapshotID = state.SnapshotID
	return nil
}

func (s *Store) LoadState() (StrategyState, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return StrategyState{}, false, nil
		}
		return StrategyState{}, false, err
	}
	var state StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return StrategyState{}, false, err
	}
	return state, true, nil
}

// SaveOpenOrders binds the open-order set to the most recent SaveState call
// via the pending snapshot id, so a mismatched pair can be detected on load.
func (s *Store) SaveOpenOrders(orders []core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := OpenOrdersSnapshot{
		SnapshotID: strings.TrimSpace(s.pendingSnapshotID),
		Orders:     orders,
		UpdatedAt:  time.Now().UTC(),
	}
	if payload.Orders == nil {
		payload.Orders = make([]core.Order, 0)
	}
	if err := writeJSONAtomic(s.ordersPath(), payload); err != nil {
		return err
	}
	s.pendingSnapshotID = ""
	return nil
}

func (s *Store) LoadOpenOrders() ([]core.Order, bool, error) {
	snapshot, ok, err := s.LoadOpenOrdersSnapshot()
	if err != nil || !ok {
		return nil, ok, err
	}
	return snapshot.Orders, true, nil
}

func (s *Store) LoadOpenOrdersSnapshot() (OpenOrdersSnapshot, bool, error) {
	data, err := os.ReadFile(s.ordersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return OpenOrdersSnapshot{}, false, nil
		}
		return OpenOrdersSnapshot{}, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return OpenOrdersSnapshot{}, false, errors.New("open orders snapshot is empty")
	}
	var snapshot OpenOrdersSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return OpenOrdersSnapshot{}, false, err
	}
	if snapshot.Orders == nil {
		snapshot.Orders = make([]core.Order, 0)
	}
	return snapshot, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendTrade journals one trade into a per-day JSONL file.
func (s *Store) AppendTrade(trade core.Trade) error {
	if trade.Time.IsZero() {
		trade.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, trade.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) HasTradeLedgerKey(key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadTradeLedgerLocked(); err != nil {
		return false, err
	}
	_, ok := s.tradeLedger[key]
	return ok, nil
}

func (s *Store) RecordTradeLedgerKey(key string, seenAt time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadTradeLedgerLocked(); err != nil {
		return err
	}
	if _, ok := s.tradeLedger[key]; ok {
		return nil
	}

	entry := TradeLedgerEntry{Key: key, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.tradeLedgerPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.tradeLedger[key] = struct{}{}
	s.tradeLedgerEntries = append(s.tradeLedgerEntries, entry)
	if len(s.tradeLedgerEntries) > tradeLedgerMaxEntries {
		return s.trimTradeLedgerLocked()
	}
	return nil
}

func (s *Store) trimTradeLedgerLocked() error {
	if len(s.tradeLedgerEntries) <= tradeLedgerMaxEntries {
		return nil
	}
	keep := tradeLedgerTrimToEntries
	if keep > len(s.tradeLedgerEntries) {
		keep = len(s.tradeLedgerEntries)
	}
	kept := append([]TradeLedgerEntry(nil), s.tradeLedgerEntries[len(s.tradeLedgerEntries)-keep:]...)

	dir := filepath.Dir(s.tradeLedgerPath())
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range kept {
		if err := enc.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := finishTemp(tmp, s.tradeLedgerPath()); err != nil {
		return err
	}
	s.tradeLedgerEntries = kept
	s.tradeLedger = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		if key := strings.TrimSpace(entry.Key); key != "" {
			s.tradeLedger[key] = struct{}{}
		}
	}
	return nil
}

func (s *Store) statePath() string         { return filepath.Join(s.root, "state.json") }
func (s *Store) ordersPath() string        { return filepath.Join(s.root, "open_orders.json") }
func (s *Store) runtimeStatusPath() string { return filepath.Join(s.root, "runtime_status.json") }
func (s *Store) tradeLedgerPath() string   { return filepath.Join(s.root, "trade_ledger.jsonl") }

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	return finishTemp(tmp, path)
}

func finishTemp(tmp *os.File, path string) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(filepath.Dir(path), path)
	return nil
}

func fsyncDirBestEffort(dir, path string) {
	// Best-effort directory fsync so the rename survives a crash.
	d, err := os.Open(dir)
	if err != nil {
		log.Warn().Str("event", "store_dir_fsync_skipped").Str("dir", dir).Str("target", path).Err(err).Send()
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn().Str("event", "store_dir_fsync_failed").Str("dir", dir).Str("target", path).Err(err).Send()
	}
}

func newSnapshotID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return strconv.FormatInt(now.UnixNano(), 36)
}

func (s *Store) loadTradeLedgerLocked() error {
	if s.tradeLedgerLoaded {
		return nil
	}
	s.tradeLedger = make(map[string]struct{})
	s.tradeLedgerEntries = make([]TradeLedgerEntry, 0)
	f, err := os.Open(s.tradeLedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.tradeLedgerLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	loadedAt := time.Now().UTC()
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry TradeLedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		if _, ok := s.tradeLedger[key]; ok {
			continue
		}
		entry.Key = key
		if entry.SeenAt.IsZero() {
			entry.SeenAt = loadedAt
		}
		s.tradeLedger[key] = struct{}{}
		s.tradeLedgerEntries = append(s.tradeLedgerEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(s.tradeLedgerEntries) > tradeLedgerMaxEntries {
		if err := s.trimTradeLedgerLocked(); err != nil {
			return err
		}
	}
	s.tradeLedgerLoaded = true
	return nil
}
