package worker

import "time"

func backoffDelay(numDelivered uint64) time.Duration {
	// 1st failure -> 1s, 2nd -> 2s, 3rd -> 4s ... capped at 30s
	attempt := int(numDelivered)
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 30 * time.Second
	}
	sec := 1 << (attempt - 1)
	return min(time.Duration(sec)*time.Second, 30*time.Second)
}
