package fluid

// LevelSnapshot is a point-in-time copy of the engine's per-level file
// metadata. Snapshots are cheap and ephemeral; take a fresh one per pick.
type LevelSnapshot struct {
	Levels []LevelMeta
}

// TakeSnapshot captures the engine's current level metadata.
func TakeSnapshot(e Engine) LevelSnapshot {
	return LevelSnapshot{Levels: e.LevelMetadata()}
}

// LargestOccupiedLevel walks levels from the highest index downward and
// returns the first one holding files. A tree populated only at level 0
// reports 0. A fully empty tree returns ErrEmptyDatabase.
func (s LevelSnapshot) LargestOccupiedLevel() (int, error) {
	for idx := len(s.Levels) - 1; idx > 0; idx-- {
		if len(s.Levels[idx].Files) > 0 {
			return idx, nil
		}
	}
	if len(s.Levels) == 0 || len(s.Levels[0].Files) == 0 {
		return 0, ErrEmptyDatabase
	}
	return 0, nil
}

// LiveFiles returns the names and total size of the files on level idx
// that are not currently being compacted.
func (s LevelSnapshot) LiveFiles(idx int) ([]string, uint64) {
	if idx < 0 || idx >= len(s.Levels) {
		return nil, 0
	}
	var names []string
	var size uint64
	for _, f := range s.Levels[idx].Files {
		if f.BeingCompacted {
			continue
		}
		names = append(names, f.Name)
		size += f.Size
	}
	return names, size
}

// LiveRunCounts returns the per-level count of files not being compacted.
func (s LevelSnapshot) LiveRunCounts() []int {
	counts := make([]int, len(s.Levels))
	for i, lvl := range s.Levels {
		for _, f := range lvl.Files {
			if !f.BeingCompacted {
				counts[i]++
			}
		}
	}
	return counts
}
