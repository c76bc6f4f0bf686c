package assess

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func withGeohashes(c *Collection, hashes ...string) *Collection {
	for i, h := range hashes {
		c.Records[i].Geohash = h
	}
	return c
}

func TestDropDuplicates_KeepsFirst(t *testing.T) {
	c := withGeohashes(
		pointCollection(Detection, lv95, "", orb.Point{0, 0}, orb.Point{1, 0}, orb.Point{2, 0}, orb.Point{3, 0}, orb.Point{4, 0}),
		"dt_abc", "dt_xyz", "dt_abc", "dt_abc", "dt_def",
	)

	out := DropDuplicates(c)

	var ids []string
	for _, r := range out.Records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"0", "1", "4"}, ids)
	assert.Equal(t, 5, c.Len(), "input must not shrink")
	assert.Equal(t, c.CRS, out.CRS)
}

func TestDropDuplicates_Idempotent(t *testing.T) {
	c := withGeohashes(
		pointCollection(GroundTruth, lv95, "", orb.Point{0, 0}, orb.Point{1, 0}, orb.Point{2, 0}),
		"gt_a", "gt_a", "gt_b",
	)

	once := DropDuplicates(c)
	twice := DropDuplicates(once)
	assert.Equal(t, once.Records, twice.Records)
}

func TestDropDuplicates_KeepsUnhashed(t *testing.T) {
	c := pointCollection(GroundTruth, lv95, "", orb.Point{0, 0}, orb.Point{0, 0})
	out := DropDuplicates(c)
	assert.Equal(t, 2, out.Len())
}

func TestDropDuplicates_Empty(t *testing.T) {
	out := DropDuplicates(&Collection{CRS: lv95, Source: Detection})
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, Detection, out.Source)
}
