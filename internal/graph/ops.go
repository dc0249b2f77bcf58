package graph

// conv3x3 computes a same-padded 3x3 convolution over an HWC image.
// kernel is laid out [3,3,cin,cout]; dst must hold h*w*cout values.
func conv3x3(src []float32, h, w, cin int, kernel, bias []float32, cout int, dst []float32) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := dst[(y*w+x)*cout : (y*w+x+1)*cout]
			copy(o, bias)
			for ky := 0; ky < 3; ky++ {
				sy := y + ky - 1
				if sy < 0 || sy >= h {
					continue
				}
				for kx := 0; kx < 3; kx++ {
					sx := x + kx - 1
					if sx < 0 || sx >= w {
						continue
					}
					px := src[(sy*w+sx)*cin : (sy*w+sx+1)*cin]
					k := kernel[(ky*3+kx)*cin*cout : (ky*3+kx+1)*cin*cout]
					for ci, v := range px {
						row := k[ci*cout : (ci+1)*cout]
						for co := range o {
							o[co] += v * row[co]
						}
					}
				}
			}
		}
	}
}

func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// globalNode adds a pooled summary of the whole image to every position:
// act += up(relu(down(mean(act)))).
func globalNode(act []float32, positions, width, nodes int, down, up, pooled, hidden []float32) {
	for c := range pooled[:width] {
		pooled[c] = 0
	}
	for p := 0; p < positions; p++ {
		px := act[p*width : (p+1)*width]
		for c, v := range px {
			pooled[c] += v
		}
	}
	inv := 1 / float32(positions)
	for c := 0; c < width; c++ {
		pooled[c] *= inv
	}

	for g := 0; g < nodes; g++ {
		var s float32
		for c := 0; c < width; c++ {
			s += pooled[c] * down[c*nodes+g]
		}
		if s < 0 {
			s = 0
		}
		hidden[g] = s
	}

	// reuse pooled for the projected offset
	for c := 0; c < width; c++ {
		var s float32
		for g := 0; g < nodes; g++ {
			s += hidden[g] * up[g*width+c]
		}
		pooled[c] = s
	}
	for p := 0; p < positions; p++ {
		px := act[p*width : (p+1)*width]
		for c := range px {
			px[c] += pooled[c]
		}
	}
}

// bilinear upsamples an HWC image by an integer factor using half-pixel
// centres with edge clamping. Factor 1 is the identity.
func bilinear(src []float32, h, w, c, f int, dst []float32) {
	ow := w * f
	for oy := 0; oy < h*f; oy++ {
		y0, y1, fy := sample(oy, f, h)
		for ox := 0; ox < ow; ox++ {
			x0, x1, fx := sample(ox, f, w)
			a := src[(y0*w+x0)*c:]
			b := src[(y0*w+x1)*c:]
			d := src[(y1*w+x0)*c:]
			e := src[(y1*w+x1)*c:]
			o := dst[(oy*ow+ox)*c : (oy*ow+ox+1)*c]
			for ch := range o {
				top := a[ch] + (b[ch]-a[ch])*fx
				bot := d[ch] + (e[ch]-d[ch])*fx
				o[ch] = top + (bot-top)*fy
			}
		}
	}
}

func sample(o, f, n int) (lo, hi int, frac float32) {
	s := (float32(o)+0.5)/float32(f) - 0.5
	if s < 0 {
		s = 0
	}
	lo = int(s)
	if lo > n-1 {
		lo = n - 1
	}
	hi = lo + 1
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi, s - float32(lo)
}

// depthToSpaceAdd rearranges [h,w,c*f*f] into [h*f,w*f,c] and adds it to dst.
// Channel index within a block is (dy*f+dx)*c + ch.
func depthToSpaceAdd(src []float32, h, w, c, f int, dst []float32) {
	ow := w * f
	block := c * f * f
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			in := src[(y*w+x)*block : (y*w+x+1)*block]
			for dy := 0; dy < f; dy++ {
				for dx := 0; dx < f; dx++ {
					o := dst[((y*f+dy)*ow+x*f+dx)*c:]
					sub := in[(dy*f+dx)*c:]
					for ch := 0; ch < c; ch++ {
						o[ch] += sub[ch]
					}
				}
			}
		}
	}
}
