package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// memStore implements Store in memory for testing.
type memStore struct {
	mu         sync.Mutex
	zips       map[string]*model.ZipRecord
	xmls       map[string]*model.XmlRecord
	paths      map[string]string // zip hash + path hash -> xml hash
	items      map[model.ItemKey]*item
	sightings  []model.Sighting
	nextID     int
	insertZips int

	// raceZip makes the next InsertZip lose to a concurrent writer.
	raceZip bool
}

type item struct {
	v         model.ItemValue
	supersede string
}

func newMemStore() *memStore {
	return &memStore{
		zips:  map[string]*model.ZipRecord{},
		xmls:  map[string]*model.XmlRecord{},
		paths: map[string]string{},
		items: map[model.ItemKey]*item{},
	}
}

func (m *memStore) id() string {
	m.nextID++
	return fmt.Sprintf("id-%d", m.nextID)
}

func (m *memStore) InsertZip(_ context.Context, rec model.ZipRecord) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertZips++
	if m.raceZip {
		m.raceZip = false
		other := rec
		other.ID = m.id()
		m.zips[rec.Hash] = &other
		return "", false, nil
	}
	if _, ok := m.zips[rec.Hash]; ok {
		return "", false, nil
	}
	rec.ID = m.id()
	m.zips[rec.Hash] = &rec
	return rec.ID, true, nil
}

func (m *memStore) TouchZip(_ context.Context, hash, runID string, at time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zips[hash]
	if !ok {
		return "", false, nil
	}
	z.LastSeenRunID, z.LastSeenAt = runID, at
	return z.ID, true, nil
}

func (m *memStore) GetZip(_ context.Context, hash string) (*model.ZipRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zips[hash]
	if !ok {
		return nil, fmt.Errorf("zip %s not found", hash)
	}
	c := *z
	return &c, nil
}

func (m *memStore) InsertXml(_ context.Context, rec model.XmlRecord) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := rec.ZipHash + "/" + rec.InnerPathHash
	if _, ok := m.xmls[rec.Hash]; ok {
		return "", false, nil
	}
	if _, ok := m.paths[slot]; ok {
		return "", false, nil
	}
	rec.ID = m.id()
	m.xmls[rec.Hash] = &rec
	m.paths[slot] = rec.Hash
	return rec.ID, true, nil
}

func (m *memStore) TouchXml(_ context.Context, hash, runID string, at time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.xmls[hash]
	if !ok {
		return "", false, nil
	}
	x.LastSeenRunID, x.LastSeenAt = runID, at
	return x.ID, true, nil
}

func (m *memStore) XmlAtPath(_ context.Context, zipHash, pathHash string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.paths[zipHash+"/"+pathHash]
	return h, ok, nil
}

func (m *memStore) GetXml(_ context.Context, hash string) (*model.XmlRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.xmls[hash]
	if !ok {
		return nil, fmt.Errorf("xml %s not found", hash)
	}
	c := *x
	return &c, nil
}

func (m *memStore) ListXml(_ context.Context, zipHash string) ([]model.XmlRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.XmlRecord
	for _, x := range m.xmls {
		if x.ZipHash == zipHash {
			out = append(out, *x)
		}
	}
	return out, nil
}

func (m *memStore) XmlHashes(_ context.Context, onlyExtracted bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for h, x := range m.xmls {
		if onlyExtracted && !x.Extracted() {
			continue
		}
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) UpdateXmlExtraction(_ context.Context, hash, runID string, out model.ExtractionOutcome, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x := m.xmls[hash]
	x.Status, x.ErrorCode, x.ErrorMessage = out.Status, out.ErrorCode, out.ErrorMessage
	x.Identity, x.Subject, x.Category, x.Payload = out.Identity, out.Subject, out.Category, out.Payload
	x.ExtractedRunID, x.ExtractedAt = runID, &at
	x.ReconcileStatus = model.ProcessPending
	return nil
}

func (m *memStore) MarkXmlReconciled(_ context.Context, hash, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x, ok := m.xmls[hash]
	if !ok {
		return fmt.Errorf("xml %s not found", hash)
	}
	x.ReconcileStatus, x.ReconciledRunID, x.ReconciledAt = model.ProcessOK, runID, &at
	return nil
}

func (m *memStore) UpdateXmlItemsStatus(_ context.Context, hash, runID string, status model.ProcessStatus, msg string, count int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	x := m.xmls[hash]
	x.ItemsStatus, x.ItemsError, x.ItemsRunID, x.ItemsExtractedAt = status, msg, runID, &at
	if status == model.ProcessOK {
		x.ItemCount = count
	}
	return nil
}

func (m *memStore) SaveJudgment(_ context.Context, hash string, j model.LegalJudgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.xmls[hash].Judgment = &j
	return nil
}

func (m *memStore) ItemOccurrences(_ context.Context, xmlHash, itemCode, runID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for k, it := range m.items {
		if k.XmlHash == xmlHash && k.ItemCode == itemCode && it.v.RunID == runID {
			out = append(out, k.Occurrence)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *memStore) UpsertItemValue(_ context.Context, v model.ItemValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(v)
	return nil
}

func (m *memStore) upsert(v model.ItemValue) {
	if it, ok := m.items[v.Key()]; ok {
		it.v = v
		it.supersede = ""
		return
	}
	m.items[v.Key()] = &item{v: v}
}

func (m *memStore) ReplaceItemValues(_ context.Context, xmlHash, runID string, values []model.ItemValue, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.upsert(v)
	}
	var n int64
	for k, it := range m.items {
		if k.XmlHash == xmlHash && it.v.RunID != runID && it.supersede == "" {
			it.supersede = runID
			n++
		}
	}
	return n, nil
}

func (m *memStore) ItemValues(_ context.Context, xmlHash string) ([]model.ItemValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ItemValue
	for k, it := range m.items {
		if k.XmlHash == xmlHash && it.supersede == "" {
			out = append(out, it.v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemCode != out[j].ItemCode {
			return out[i].ItemCode < out[j].ItemCode
		}
		return out[i].Occurrence < out[j].Occurrence
	})
	return out, nil
}

func (m *memStore) SaveNormalization(_ context.Context, key model.ItemKey, n model.Normalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return fmt.Errorf("item %v not found", key)
	}
	it.v.Normalization = &n
	return nil
}

func (m *memStore) RecordSighting(_ context.Context, s model.Sighting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sightings = append(m.sightings, s)
	return nil
}

func (m *memStore) Sightings(_ context.Context, runID string) ([]model.Sighting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Sighting
	for _, s := range m.sightings {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) actions(runID string) []model.SightingAction {
	ss, _ := m.Sightings(context.Background(), runID)
	out := make([]model.SightingAction, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Action)
	}
	return out
}
