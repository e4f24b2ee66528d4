package gen

import "testing"

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{0, 16, 0, 0},
		{15, 16, 0, 15},
		{16, 16, 1, 0},
		{-1, 16, -1, 15},
		{-16, 16, -1, 0},
		{-17, 16, -2, 15},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.q {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.q)
		}
		if got := Mod(c.a, c.b); got != c.m {
			t.Fatalf("Mod(%d,%d)=%d want %d", c.a, c.b, got, c.m)
		}
	}
}

func TestHeightAtIsContinuousAndBounded(t *testing.T) {
	const sea = 32
	for _, biome := range []string{BiomePlains, BiomeForest, BiomeDesert} {
		amp := biomeAmplitude(biome)
		prev := HeightAt(9, -40, 5, sea, biome)
		for x := -39; x < 40; x++ {
			h := HeightAt(9, x, 5, sea, biome)
			if h < sea+1-amp || h > sea+1+amp {
				t.Fatalf("%s: height %d at x=%d outside [%d,%d]", biome, h, x, sea+1-amp, sea+1+amp)
			}
			if d := h - prev; d > 2*amp/heightGrid+1 || d < -(2*amp/heightGrid+1) {
				t.Fatalf("%s: jump %d->%d at x=%d", biome, prev, h, x)
			}
			prev = h
		}
	}
}

func TestInCluster3Deterministic(t *testing.T) {
	hits := 0
	for x := 0; x < 64; x++ {
		for y := 0; y < 16; y++ {
			ok, rich := InCluster3(3, x, y, 7, 16, 3, 1000)
			ok2, rich2 := InCluster3(3, x, y, 7, 16, 3, 1000)
			if ok != ok2 || rich != rich2 {
				t.Fatalf("non-deterministic at %d,%d", x, y)
			}
			if ok {
				hits++
				if rich < 1 || rich > 15 {
					t.Fatalf("richness %d out of range", rich)
				}
			}
		}
	}
	if hits == 0 {
		t.Fatalf("certain clusters produced no hits")
	}
	if ok, _ := InCluster3(3, 0, 0, 0, 16, 3, 0); ok {
		t.Fatalf("zero probability must never hit")
	}
}
