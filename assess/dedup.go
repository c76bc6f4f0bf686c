package assess

// DropDuplicates keeps the first record for each geohash, in insertion order.
// Records without a geohash are always kept.
func DropDuplicates(c *Collection) *Collection {
	out := c.derive(c.Len())
	seen := make(map[string]struct{}, c.Len())
	for _, r := range c.Records {
		if r.Geohash != "" {
			if _, dup := seen[r.Geohash]; dup {
				continue
			}
			seen[r.Geohash] = struct{}{}
		}
		out.Records = append(out.Records, r.clone())
	}
	return out
}
