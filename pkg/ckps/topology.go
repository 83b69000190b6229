package ckps

// bindOutputs maps each of n channels to a pair of indexes into a bank of m
// ignition outputs:
//
//   - odd n (or a single cylinder): channel i drives OUT[i%m] on both handles
//   - even n, m >= n: wasted spark, channel i drives OUT[i] and OUT[(i+n/2)%n]
//   - even n, m < n: paired cylinders share OUT[(i%(n/2))%m]
//
// A -1 index means the handle is left unbound. Outputs no channel refers to
// stay at the safe level.
func bindOutputs(n, m int) [][2]int {
	pairs := make([][2]int, n)
	for i := range pairs {
		switch {
		case m == 0:
			pairs[i] = [2]int{-1, -1}
		case n%2 == 1:
			pairs[i] = [2]int{i % m, i % m}
		case m >= n:
			pairs[i] = [2]int{i, (i + n/2) % n}
		default:
			o := (i % (n / 2)) % m
			pairs[i] = [2]int{o, o}
		}
	}
	return pairs
}
