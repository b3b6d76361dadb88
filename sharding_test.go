package sharding_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/sharding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		tests := []struct {
			name string
			spec sharding.Spec
			want string
		}{
			{name: "replicated", spec: sharding.Replicate(), want: "{replicated}"},
			{name: "1D tile", spec: sharding.IotaTile(4), want: "{devices=[4]}"},
			{name: "2D tile", spec: sharding.IotaTile(2, 2), want: "{devices=[2,2]}"},
			{name: "tile with order", spec: sharding.TileWithOrder([]int{2, 2}, 3, 2, 1, 0),
				want: "{devices=[2,2]3,2,1,0}"},
			{name: "partial tile", spec: sharding.PartialTile(1, 2, 2),
				want: "{devices=[1,2,2] last_tile_dim_replicate}"},
			{name: "partial tile with order", spec: sharding.PartialTileWithOrder([]int{2, 2}, 3, 2, 1, 0),
				want: "{devices=[2,2]3,2,1,0 last_tile_dim_replicate}"},
			{name: "scalar replication group", spec: sharding.PartialTile(3),
				want: "{devices=[3] last_tile_dim_replicate}"},
			{name: "rank-0 tile", spec: sharding.IotaTile(), want: "{devices=[]}"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, tt.spec.String())
			})
		}
	})

	t.Run("Normalization", func(t *testing.T) {
		// A trailing replication extent of 1 is a plain tile.
		assert.True(t, sharding.PartialTile(2, 1).Equal(sharding.IotaTile(2)))
		assert.Equal(t, "{devices=[2]}", sharding.PartialTile(2, 1).String())

		// The identity order is the same as no order.
		assert.True(t, sharding.TileWithOrder([]int{2, 2}, 0, 1, 2, 3).Equal(sharding.IotaTile(2, 2)))
		assert.Nil(t, sharding.TileWithOrder([]int{2, 2}, 0, 1, 2, 3).DeviceOrder())

		// Both normalizations together.
		assert.True(t, sharding.PartialTileWithOrder([]int{3, 1}, 0, 1, 2).Equal(sharding.IotaTile(3)))
	})

	t.Run("Accessors", func(t *testing.T) {
		tiled := sharding.IotaTile(2, 3)
		assert.False(t, tiled.IsReplicated())
		assert.False(t, tiled.HasReplication())
		assert.Equal(t, 2, tiled.Rank())
		assert.Equal(t, 6, tiled.NumDevices())
		assert.Equal(t, 1, tiled.ReplicaCount())
		assert.Equal(t, []int{2, 3}, tiled.TileDims())

		partial := sharding.PartialTile(2, 3, 4)
		assert.False(t, partial.IsReplicated())
		assert.True(t, partial.HasReplication())
		assert.Equal(t, 2, partial.Rank())
		assert.Equal(t, 24, partial.NumDevices())
		assert.Equal(t, 4, partial.ReplicaCount())
		assert.Equal(t, []int{2, 3}, partial.TileDims())

		replicated := sharding.Replicate()
		assert.True(t, replicated.IsReplicated())
		assert.True(t, replicated.HasReplication())
		assert.Equal(t, -1, replicated.Rank())
		assert.Equal(t, 0, replicated.NumDevices())
		assert.Equal(t, 0, replicated.ReplicaCount())
		assert.Nil(t, replicated.TileDims())

		// Accessors return copies.
		dims := tiled.TileDims()
		dims[0] = 99
		assert.Equal(t, []int{2, 3}, tiled.TileDims())
		ordered := sharding.TileWithOrder([]int{2}, 1, 0)
		order := ordered.DeviceOrder()
		order[0] = 99
		assert.Equal(t, []int{1, 0}, ordered.DeviceOrder())
	})

	t.Run("Equal", func(t *testing.T) {
		assert.True(t, sharding.IotaTile(2, 2).Equal(sharding.IotaTile(2, 2)))
		assert.True(t, sharding.Replicate().Equal(sharding.Replicate()))
		assert.False(t, sharding.IotaTile(2, 2).Equal(sharding.IotaTile(2, 3)))
		assert.False(t, sharding.IotaTile(2).Equal(sharding.IotaTile(2, 1)))
		assert.False(t, sharding.IotaTile(2, 2).Equal(sharding.TileWithOrder([]int{2, 2}, 3, 2, 1, 0)))
		assert.False(t, sharding.IotaTile(1, 2, 2).Equal(sharding.PartialTile(1, 2, 2)))
		assert.False(t, sharding.Replicate().Equal(sharding.IotaTile(1)))
	})

	t.Run("ConstructorPanics", func(t *testing.T) {
		tests := []struct {
			name string
			fn   func()
		}{
			{"zero extent", func() { sharding.IotaTile(2, 0) }},
			{"negative extent", func() { sharding.IotaTile(-1) }},
			{"partial tile without extents", func() { sharding.PartialTile() }},
			{"partial tile zero replication", func() { sharding.PartialTile(2, 0) }},
			{"order too short", func() { sharding.TileWithOrder([]int{2, 2}, 0, 1, 2) }},
			{"order with duplicate", func() { sharding.TileWithOrder([]int{2, 2}, 0, 1, 2, 2) }},
			{"order out of range", func() { sharding.TileWithOrder([]int{2, 2}, 0, 1, 2, 4) }},
			{"order negative", func() { sharding.TileWithOrder([]int{2}, -1, 0) }},
			{"partial order too long", func() { sharding.PartialTileWithOrder([]int{2}, 0, 1, 2) }},
			{"partial order without extents", func() { sharding.PartialTileWithOrder(nil) }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				require.Panics(t, tt.fn)
			})
		}
	})

	t.Run("ImplementsStringer", func(t *testing.T) {
		var _ fmt.Stringer = sharding.Spec{}
	})
}
