package queue

// Progress estimates how close a user at rank is to admission, in percent.
// Ranks of zero or below (admitted or not waiting) report 100; otherwise the
// estimate is 100/rank, which climbs quickly as the user nears the front.
func Progress(rank int64) float64 {
	if rank <= 0 {
		return 100.0
	}
	return 100.0 / float64(rank)
}
