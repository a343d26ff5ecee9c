package tile

import "fmt"

// Key is the canonical identity of a tile. It is comparable and used directly as a map key.
type Key struct {
	Level     int    `json:"level"`
	Row       int    `json:"row"`
	Column    int    `json:"column"`
	CacheName string `json:"cache_name"`
}

func NewKey(level, row, column int, cacheName string) Key {
	return Key{Level: level, Row: row, Column: column, CacheName: cacheName}
}

// String is the path form {cacheName}/{level}/{row}/{row}_{column}.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d_%d", k.CacheName, k.Level, k.Row, k.Row, k.Column)
}

// ChildKeys returns the keys of the four children one level down, in the order
// (2r,2c), (2r,2c+1), (2r+1,2c), (2r+1,2c+1).
func (k Key) ChildKeys() [4]Key {
	r, c := 2*k.Row, 2*k.Column
	l := k.Level + 1
	return [4]Key{
		{Level: l, Row: r, Column: c, CacheName: k.CacheName},
		{Level: l, Row: r, Column: c + 1, CacheName: k.CacheName},
		{Level: l, Row: r + 1, Column: c, CacheName: k.CacheName},
		{Level: l, Row: r + 1, Column: c + 1, CacheName: k.CacheName},
	}
}

// Parent returns the key one level up. ok is false at level zero.
func (k Key) Parent() (Key, bool) {
	if k.Level == 0 {
		return Key{}, false
	}
	return Key{Level: k.Level - 1, Row: k.Row / 2, Column: k.Column / 2, CacheName: k.CacheName}, true
}

// Ancestor returns the key of the ancestor at the given level.
func (k Key) Ancestor(level int) (Key, bool) {
	if level < 0 || level > k.Level {
		return Key{}, false
	}
	shift := uint(k.Level - level)
	return Key{Level: level, Row: k.Row >> shift, Column: k.Column >> shift, CacheName: k.CacheName}, true
}
