package window

// Mode selects how the render path picks its time bounds
type Mode int

const (
	// Live follows the newest sample
	Live Mode = iota
	// Manual keeps the bounds the user pinned
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "live"
}

// Viewport is the render window state
type Viewport struct {
	Mode    Mode
	Control float64
	Min     float64
	Max     float64
}

// Seconds returns the window width selected by the control value
func (v Viewport) Seconds(m Mapper) float64 {
	return m.SliderToSeconds(v.Control)
}

// Bounds returns the time bounds to query given the newest timestamp
func (v Viewport) Bounds(m Mapper, latest float64) (float64, float64) {
	if v.Mode == Manual {
		return v.Min, v.Max
	}
	return latest - v.Seconds(m), latest
}

// Pin switches to manual mode on [min, max] and re-derives the control value from the span
func (v *Viewport) Pin(m Mapper, min, max float64) {
	if max < min {
		min, max = max, min
	}
	v.Mode = Manual
	v.Min, v.Max = min, max
	v.Control = float64(m.SecondsToSlider(max - min))
}

// Pan moves a manual window so it is centred on center, keeping the control width
func (v *Viewport) Pan(m Mapper, center float64) {
	half := v.Seconds(m) / 2
	v.Mode = Manual
	v.Min, v.Max = center-half, center+half
}

// Zoom sets the control value; a manual window keeps its centre and takes the new width
func (v *Viewport) Zoom(m Mapper, control float64) {
	v.Control = control
	if v.Mode != Manual {
		return
	}
	center := (v.Min + v.Max) / 2
	half := v.Seconds(m) / 2
	v.Min, v.Max = center-half, center+half
}

// Follow returns to live mode
func (v *Viewport) Follow() {
	v.Mode = Live
}
