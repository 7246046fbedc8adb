package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Delta is a single-cell change. It is what gets broadcast to every
// observer and what gets appended to the persisted history.
type Delta struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  int    `json:"color"`
	Origin string `json:"-"`
}

// Snapshot is a column-major copy of the grid: Snapshot[x][y].
//
// It marshals as nested JSON number arrays. A plain [][]uint8 would be
// encoded as a list of base64 strings, which the display clients can't read.
type Snapshot [][]uint8

func NewSnapshot(width, height int) Snapshot {
	s := make(Snapshot, width)
	for x := range s {
		s[x] = make([]uint8, height)
	}
	return s
}

func (s Snapshot) Width() int {
	return len(s)
}

func (s Snapshot) Height() int {
	if len(s) == 0 {
		return 0
	}
	return len(s[0])
}

func (s Snapshot) Clone() Snapshot {
	c := make(Snapshot, len(s))
	for x, col := range s {
		c[x] = make([]uint8, len(col))
		copy(c[x], col)
	}
	return c
}

// Equal reports whether both snapshots hold the same cells.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for x := range s {
		if !bytes.Equal(s[x], o[x]) {
			return false
		}
	}
	return true
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(s)*(s.Height()*2+2))
	buf = append(buf, '[')
	for x, col := range s {
		if x > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for y, v := range col {
			if y > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendUint(buf, uint64(v), 10)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']')
	return buf, nil
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw [][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Snapshot, len(raw))
	for x, col := range raw {
		out[x] = make([]uint8, len(col))
		for y, v := range col {
			if v < 0 || v > 255 {
				return fmt.Errorf("cell (%d,%d) out of range: %d", x, y, v)
			}
			out[x][y] = uint8(v)
		}
	}
	*s = out
	return nil
}

// Grid is the live canvas. Set and Snapshot are mutually exclusive so a
// snapshot never observes a half-applied write.
type Grid struct {
	mu     sync.RWMutex
	width  int
	height int
	cells  Snapshot
}

func NewGrid(width, height int) *Grid {
	return &Grid{
		width:  width,
		height: height,
		cells:  NewSnapshot(width, height),
	}
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.width && y >= 0 && y < g.height
}

// Get returns the value at (x, y). The caller must bounds-check.
func (g *Grid) Get(x, y int) uint8 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cells[x][y]
}

// Set writes a single cell. No bounds or palette checks happen here.
func (g *Grid) Set(x, y int, v uint8) {
	g.mu.Lock()
	g.cells[x][y] = v
	g.mu.Unlock()
}

func (g *Grid) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cells.Clone()
}

// restore replaces the whole grid. Dimensions must already match.
func (g *Grid) restore(s Snapshot) {
	g.mu.Lock()
	g.cells = s.Clone()
	g.mu.Unlock()
}
