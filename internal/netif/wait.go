package netif

import "time"

// WaitForCarrier polls HasCarrier up to maxRetries times, interval apart,
// verifying the hypervisor actually attached to the TAP after spawn (§4.3,
// §4.6 create step 11 / start step 8).
func (f *Facility) WaitForCarrier(tap string, interval time.Duration, maxRetries int) (bool, int) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if f.HasCarrier(tap) {
			return true, attempt
		}
		time.Sleep(interval)
	}
	return f.HasCarrier(tap), maxRetries
}
