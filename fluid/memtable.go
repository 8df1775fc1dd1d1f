package fluid

import "github.com/huandu/skiplist"

// memtable is the mutable in-memory table backed by a skiplist.
type memtable struct {
	list *skiplist.SkipList
}

func newMemtable() *memtable {
	return &memtable{list: skiplist.New(skiplist.String)}
}

func (m *memtable) set(key, value string) {
	m.list.Set(key, value)
}

func (m *memtable) get(key string) (string, bool) {
	el := m.list.Get(key)
	if el == nil {
		return "", false
	}
	return el.Value.(string), true
}

func (m *memtable) len() int { return m.list.Len() }

// drain returns the table contents and resets it.
func (m *memtable) drain() map[string]string {
	out := make(map[string]string, m.list.Len())
	for el := m.list.Front(); el != nil; el = el.Next() {
		out[el.Key().(string)] = el.Value.(string)
	}
	m.list = skiplist.New(skiplist.String)
	return out
}

func (m *memtable) keys() []string {
	out := make([]string, 0, m.list.Len())
	for el := m.list.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key().(string))
	}
	return out
}
