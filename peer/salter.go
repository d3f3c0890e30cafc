package peer

import "math/rand"

// saltShaker deals the per-pulse tie-breaking salts. One shaker is
// made per pulse from the manager's seeded source, so ties land
// pseudo-randomly but reproducibly under a fixed seed.
type saltShaker struct {
	r *rand.Rand
}

func newSaltShaker(r *rand.Rand) saltShaker {
	return saltShaker{r: r}
}

func (s saltShaker) next() uint8 {
	return uint8(s.r.Intn(256))
}
