package util

import "math"

// bertrandPrimes is an ascending table where each prime is a little under
// twice the previous one, so consecutive bucket tables roughly double.
var bertrandPrimes = [...]int{
	5, 7, 13, 23, 43, 83,
	163, 317, 631, 1259, 2503, 5003, 9973, 19937,
	39869, 79699, 159389, 318751, 637499, 1274989, 2549951, 5099893,
	10199767, 20399531, 40799041, 81598067, 163196129, 326392249, 652784471, 1305568919,
}

// BucketCount returns the smallest listed prime strictly greater than capacity.
// A full table therefore has a load factor between 0.5 and 1.0.
// Capacities beyond the table fall back to math.MaxInt32, itself a prime.
func BucketCount(capacity int) int {
	for _, p := range bertrandPrimes {
		if p > capacity {
			return p
		}
	}
	return math.MaxInt32
}
