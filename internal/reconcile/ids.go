package reconcile

import (
  "strings"
  "sync"
)

// trackedInvoice is the engine-private wrapper around an InvoiceRecord. Its
// own mutex is the serialization point for status transitions, so resolving
// one invoice never blocks another.
type trackedInvoice struct {
  mu sync.Mutex
  rec InvoiceRecord
  notified bool
}

func (t *trackedInvoice) snapshot() InvoiceRecord {
  t.mu.Lock()
  defer t.mu.Unlock()
  return t.rec
}

// Mapper is the bidirectional identifier index over in-flight invoices. The
// three signal sources do not agree on which identifier they carry, so every
// lookup must succeed from any of {local id, payment hash, remote tx id}.
// Owned exclusively by the Engine; the maps guard membership only, record
// state lives behind each trackedInvoice's own lock.
type Mapper struct {
  mu sync.RWMutex
  byLocal map[string]*trackedInvoice
  byHash map[string]*trackedInvoice
  byRemote map[string]*trackedInvoice
}

func NewMapper() *Mapper {
  return &Mapper{
    byLocal: map[string]*trackedInvoice{},
    byHash: map[string]*trackedInvoice{},
    byRemote: map[string]*trackedInvoice{},
  }
}

func (m *Mapper) register(t *trackedInvoice) {
  m.mu.Lock()
  defer m.mu.Unlock()
  m.byLocal[t.rec.LocalID] = t
  m.byHash[normalizeID(t.rec.PaymentHash)] = t
}

// linkRemote indexes a remote transaction id once it becomes known. Linking
// the same id twice is harmless; the signal sources deliver at least once.
func (m *Mapper) linkRemote(t *trackedInvoice, remoteTxID string) {
  remoteTxID = strings.TrimSpace(remoteTxID)
  if remoteTxID == "" {
    return
  }
  m.mu.Lock()
  m.byRemote[remoteTxID] = t
  m.mu.Unlock()
}

// resolve finds the tracked invoice behind any known identifier, or
// ErrNotTracked when the identifier was never registered here.
func (m *Mapper) resolve(identifier string) (*trackedInvoice, error) {
  key := normalizeID(identifier)
  if key == "" {
    return nil, ErrNotTracked
  }

  m.mu.RLock()
  defer m.mu.RUnlock()
  if t, ok := m.byLocal[identifier]; ok {
    return t, nil
  }
  if t, ok := m.byHash[key]; ok {
    return t, nil
  }
  if t, ok := m.byRemote[identifier]; ok {
    return t, nil
  }
  return nil, ErrNotTracked
}

func (m *Mapper) remove(t *trackedInvoice) {
  m.mu.Lock()
  defer m.mu.Unlock()
  delete(m.byLocal, t.rec.LocalID)
  delete(m.byHash, normalizeID(t.rec.PaymentHash))
  if id := t.rec.RemoteTransactionID; id != "" {
    delete(m.byRemote, id)
  }
}

func (m *Mapper) all() []*trackedInvoice {
  m.mu.RLock()
  defer m.mu.RUnlock()
  items := make([]*trackedInvoice, 0, len(m.byLocal))
  for _, t := range m.byLocal {
    items = append(items, t)
  }
  return items
}

func normalizeID(value string) string {
  return strings.ToLower(strings.TrimSpace(value))
}
