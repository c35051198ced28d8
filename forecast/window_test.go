package forecast

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sequential(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, float64(i*10+j))
		}
	}
	return m
}

func TestWindowsCount(t *testing.T) {
	tests := []struct {
		rows, in, out int
	}{
		{10, 5, 3},
		{8, 5, 3},
		{7, 5, 3},
		{1, 1, 1},
		{2, 1, 1},
		{100, 24, 6},
		{0, 2, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d_in=%d_out=%d", tt.rows, tt.in, tt.out), func(t *testing.T) {
			var m *mat.Dense
			if tt.rows > 0 {
				m = sequential(tt.rows, 2)
			}
			got, err := Windows(m, tt.in, tt.out)
			require.NoError(t, err)
			assert.Len(t, got, max(0, tt.rows-tt.in-tt.out+1))
		})
	}
}

func TestWindowsAlignment(t *testing.T) {
	m := sequential(10, 3)
	examples, err := Windows(m, 5, 3)
	require.NoError(t, err)
	require.Len(t, examples, 3)

	for i, e := range examples {
		r, c := e.Input.Dims()
		assert.Equal(t, [2]int{5, 3}, [2]int{r, c})
		r, c = e.Output.Dims()
		assert.Equal(t, [2]int{3, 3}, [2]int{r, c})

		assert.Equal(t, m.At(i, 0), e.Input.At(0, 0))
		assert.Equal(t, m.At(i+5, 0), e.Output.At(0, 0))
		assert.Equal(t, m.At(i+7, 2), e.Output.At(2, 2))
	}

	// examples are copies
	examples[0].Input.Set(0, 0, -1)
	assert.Equal(t, 0.0, m.At(0, 0))
}

func TestWindowsRejectsNonPositiveLengths(t *testing.T) {
	for _, lens := range [][2]int{{0, 1}, {1, 0}, {-1, 3}} {
		_, err := Windows(sequential(5, 1), lens[0], lens[1])
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	}
}

func TestSplitChronological(t *testing.T) {
	examples := make([]Example, 10)
	for i := range examples {
		examples[i] = Example{Input: mat.NewDense(1, 1, []float64{float64(i)})}
	}
	tests := []struct {
		testSize        float64
		wantTrain, want int
	}{
		{0.2, 8, 2},
		{0.25, 7, 3},
		{0, 10, 0},
		{0.99, 0, 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.testSize), func(t *testing.T) {
			train, test := splitChronological(examples, tt.testSize)
			assert.Len(t, train, tt.wantTrain)
			assert.Len(t, test, tt.want)
			if len(train) > 0 && len(test) > 0 {
				assert.Less(t, train[len(train)-1].Input.At(0, 0), test[0].Input.At(0, 0))
			}
		})
	}
}
