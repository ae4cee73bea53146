package enhance

// OtsuThreshold returns the intensity that maximises inter-class variance
// wB*wF*(mB-mF)^2. Splits with an empty class are skipped, so an empty or
// single-valued histogram yields 0 instead of dividing by zero.
func OtsuThreshold(hist [256]int) int {
	var total, sumAll float64
	for i, c := range hist {
		total += float64(c)
		sumAll += float64(i) * float64(c)
	}
	if total == 0 {
		return 0
	}

	var wB, sumB, best float64
	threshold := 0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(hist[t])
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = t
		}
	}
	return threshold
}

// BiasedThreshold lowers the Otsu value to keep thin strokes and floors it
// so near-uniform pages do not collapse to a single colour
func BiasedThreshold(otsu int, bias float64, floor int) int {
	t := int(float64(otsu) * bias)
	if t < floor {
		t = floor
	}
	if t > 255 {
		t = 255
	}
	return t
}
