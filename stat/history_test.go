// Copyright 2024 The bucore Authors
// This file is part of bucore.
//
// bucore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// bucore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with bucore. If not, see <http://www.gnu.org/licenses/>.

package stat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordSum(t *testing.T) {
	h := New(OpSum)
	h.Record(1)
	h.Record(2)
	h.Record(3)
	require.Equal(t, float64(6), h.Current())
}

func TestRotatePushesToRangeZero(t *testing.T) {
	h := New(OpSum)
	h.Record(5)
	h.rotate()
	require.Equal(t, []float64{5}, h.Series(0, 10))
	require.Equal(t, float64(0), h.Current())
}

func TestRotateCascadesToNextRange(t *testing.T) {
	h := New(OpAvg)
	// Every rotate() produces a range-0 sample; operateSampleCount[0] == 1,
	// so each also rolls one sample into range 1; operateSampleCount[1] ==
	// 10, so the 10th rotate() produces exactly one range-2 sample.
	for i := 1; i <= 10; i++ {
		h.Record(float64(i))
		h.rotate()
	}
	require.Len(t, h.Series(0, 100), 10)
	require.Len(t, h.Series(1, 100), 10)
	require.Len(t, h.Series(2, 100), 1)
}
