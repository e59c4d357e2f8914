package router

// hashSeed folds key into a 32-bit seed (FNV-1a offset basis with the
// shift-add FNV prime multiply).
func hashSeed(key string) uint32 {
	h := uint32(2166136261)
	for _, c := range []byte(key) {
		h ^= uint32(c)
		h += (h << 1) + (h << 4) + (h << 7) + (h << 8) + (h << 24)
	}
	return h
}

// seededRand is a mulberry32 generator. The same seed always yields the
// same sequence, so a request's ranking can be replayed.
type seededRand struct {
	t uint32
}

func newSeededRand(key string) *seededRand {
	return &seededRand{t: hashSeed(key)}
}

// Float64 returns the next value in [0, 1).
func (r *seededRand) Float64() float64 {
	r.t += 0x6D2B79F5
	x := r.t
	x = (x ^ (x >> 15)) * (x | 1)
	x ^= x + (x^(x>>7))*(x|61)
	return float64(x^(x>>14)) / 4294967296.0
}

// weightedOrder draws items without replacement, each with probability
// proportional to its weight. Weights are floored at 0.0001 so every item
// is eventually placed.
func weightedOrder[T any](items []T, weight func(T) float64, rnd *seededRand) []T {
	type entry struct {
		item T
		w    float64
	}
	bag := make([]entry, len(items))
	for i, it := range items {
		bag[i] = entry{item: it, w: max(0.0001, weight(it))}
	}
	out := make([]T, 0, len(items))
	for len(bag) > 0 {
		var total float64
		for _, e := range bag {
			total += e.w
		}
		r := rnd.Float64() * total
		idx := 0
		for ; idx < len(bag); idx++ {
			r -= bag[idx].w
			if r <= 0 {
				break
			}
		}
		if idx == len(bag) {
			idx = len(bag) - 1
		}
		out = append(out, bag[idx].item)
		bag = append(bag[:idx], bag[idx+1:]...)
	}
	return out
}
