package normalize

import "strings"

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tensNames  = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	scaleNames = []string{"", "thousand", "million", "billion", "trillion", "quadrillion", "quintillion"}
)

// English spells n in British-style English: 101 is "one hundred and one",
// 1234 is "one thousand, two hundred and thirty-four".
func English(n uint64) string {
	if n == 0 {
		return smallNumbers[0]
	}
	var groups []uint64
	for n > 0 {
		groups = append(groups, n%1000)
		n /= 1000
	}
	words := make([]string, 0, len(groups))
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g == 0 {
			continue
		}
		w := englishHundreds(g)
		if scaleNames[i] != "" {
			w += " " + scaleNames[i]
		}
		words = append(words, w)
	}
	if last := groups[0]; len(words) > 1 && last > 0 && last < 100 {
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
	return strings.Join(words, ", ")
}

func englishHundreds(g uint64) string {
	h, r := g/100, g%100
	switch {
	case h == 0:
		return englishTens(r)
	case r == 0:
		return smallNumbers[h] + " hundred"
	default:
		return smallNumbers[h] + " hundred and " + englishTens(r)
	}
}

func englishTens(n uint64) string {
	if n < 20 {
		return smallNumbers[n]
	}
	t, o := n/10, n%10
	if o == 0 {
		return tensNames[t]
	}
	return tensNames[t] + "-" + smallNumbers[o]
}
