package moresane

import (
	"math"

	"github.com/jo-hoe/moresane/internal/grid"
)

// ExtractSources isolates the objects of interest in a thresholded
// decomposition. Each scale plane is segmented into 8-connected
// components; components at the highest scale whose peak coefficient
// reaches tolerance times the scale maximum seed the extraction, and
// support propagates downward to every component that overlaps the
// mask of the scale above. Returns the masked cube and the mask
// itself, which the minor loop reuses to confine the model.
func ExtractSources(cube grid.Cube, tolerance float64, negComp bool) (grid.Cube, grid.Cube) {
	scales := len(cube)
	labels := make([][]int32, scales)
	for i, plane := range cube {
		labels[i] = labelComponents(plane)
	}

	mask := grid.NewCube(scales, cube[0].Width, cube[0].Height)

	// Seed: significant components at the maximum scale.
	top := cube[scales-1]
	peak := top.Max()
	if negComp {
		peak = math.Max(peak, -top.Min())
	}
	cutoff := tolerance * peak
	selected := make(map[int32]bool)
	for j, v := range top.Pix {
		if negComp {
			v = math.Abs(v)
		}
		if v >= cutoff && labels[scales-1][j] != 0 {
			selected[labels[scales-1][j]] = true
		}
	}
	markSelected(mask[scales-1], labels[scales-1], selected)

	// Propagate support downward by overlap with the scale above.
	for i := scales - 2; i >= 0; i-- {
		overlapped := make(map[int32]bool)
		for j := range mask[i+1].Pix {
			if mask[i+1].Pix[j] != 0 && labels[i][j] != 0 {
				overlapped[labels[i][j]] = true
			}
		}
		markSelected(mask[i], labels[i], overlapped)
	}

	extracted := cube.Clone()
	extracted.Mul(mask)
	return extracted, mask
}

func markSelected(plane *grid.Map, labels []int32, selected map[int32]bool) {
	for j, label := range labels {
		if label != 0 && selected[label] {
			plane.Pix[j] = 1
		}
	}
}

// labelComponents assigns a positive label to every 8-connected
// component of nonzero pixels, by flood fill.
func labelComponents(plane *grid.Map) []int32 {
	w, h := plane.Width, plane.Height
	labels := make([]int32, w*h)
	var next int32

	stack := make([]int, 0, 64)
	for start, v := range plane.Pix {
		if v == 0 || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					n := ny*w + nx
					if plane.Pix[n] != 0 && labels[n] == 0 {
						labels[n] = next
						stack = append(stack, n)
					}
				}
			}
		}
	}
	return labels
}
