package collection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueOrderedList_AddIsIdempotent(t *testing.T) {
	once := NewUniqueOrderedList[string]()
	once.Add("a")
	once.Add("b")

	twice := NewUniqueOrderedList[string]()
	assert.True(t, twice.Add("a"))
	assert.True(t, twice.Add("b"))
	assert.False(t, twice.Add("a"))

	assert.Equal(t, once.Len(), twice.Len())
	assert.Equal(t, once.ToArray(), twice.ToArray())
}

func TestUniqueOrderedList_Operations(t *testing.T) {
	l := NewUniqueOrderedList(3, 1, 3, 2)

	assert.Equal(t, []int{3, 1, 2}, l.ToArray())
	assert.True(t, l.Contains(1))
	assert.False(t, l.Contains(9))
	assert.Equal(t, 2, l.IndexOf(2))
	assert.Equal(t, -1, l.IndexOf(9))

	assert.True(t, l.Remove(1))
	assert.False(t, l.Remove(1))
	assert.Equal(t, []int{3, 2}, l.ToArray())

	snapshot := l.ToArray()
	snapshot[0] = 100
	assert.Equal(t, []int{3, 2}, l.ToArray(), "ToArray must return a copy")

	l.Clear()
	assert.Equal(t, 0, l.Len())
}

func TestUniqueOrderedList_Iteration(t *testing.T) {
	l := NewUniqueOrderedList("x", "y", "z")

	type pair struct {
		i int
		v string
	}

	var forward, backward []pair
	for i, v := range l.All() {
		forward = append(forward, pair{i, v})
	}
	for i, v := range l.Backward() {
		backward = append(backward, pair{i, v})
	}
	assert.Equal(t, []pair{{0, "x"}, {1, "y"}, {2, "z"}}, forward)
	assert.Equal(t, []pair{{2, "z"}, {1, "y"}, {0, "x"}}, backward)

	tests := []struct {
		name    string
		stopAt  int
		breakOn string
		want    []string
	}{
		{"full pass", 0, "", []string{"x", "y", "z"}},
		{"stop at index", 2, "", []string{"x", "y"}},
		{"break sentinel", 0, "y", []string{"x", "y"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := l.ForEach(func(_ int, v string) error {
				got = append(got, v)
				if v == tt.breakOn {
					return ErrStop
				}
				return nil
			}, tt.stopAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUniqueOrderedList_JSON(t *testing.T) {
	data, err := json.Marshal(NewUniqueOrderedList[string]())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	data, err = json.Marshal(NewUniqueOrderedList("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, string(data))
}

func TestUniqueOrderedList_UncomparableDynamicValues(t *testing.T) {
	l := NewUniqueOrderedList[any]("a", 1)

	assert.False(t, l.Add([]int{1}))
	assert.False(t, l.Add(map[string]int{"x": 1}))
	assert.False(t, l.Contains([]int{1}))
	assert.Equal(t, -1, l.IndexOf(func() {}))
	assert.False(t, l.Remove([]int{1}))

	assert.True(t, l.Add([2]int{1, 2}))
	assert.True(t, l.Contains([2]int{1, 2}))
	assert.Equal(t, []any{"a", 1, [2]int{1, 2}}, l.ToArray())
}
