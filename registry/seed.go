package registry

import "time"

// randSeed seeds the registry's id generator. Collision resistance does
// not depend on unpredictability here — only on the loop in Add — so a
// wall-clock seed is sufficient.
func randSeed() int64 {
	return time.Now().UnixNano()
}
