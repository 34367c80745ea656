// Package vocoder implements the HiFiGAN-style generator and the
// multi-period / multi-scale discriminator ensembles.
package vocoder

import "fmt"

// ConfigError reports an invalid architecture parameter. Construction fails
// fast with one of these before any forward pass runs.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid architecture config %q: %s", e.Param, e.Reason)
}

// GeneratorConfig describes the upsampling ladder and the MRF blocks.
type GeneratorConfig struct {
	NumMels             int       `json:"n_mels" mapstructure:"n_mels"`
	Channels            int       `json:"generator_channels" mapstructure:"generator_channels"`
	UpsampleKernelSizes []int     `json:"upsample_kernel_sizes" mapstructure:"upsample_kernel_sizes"`
	MRFKernelSizes      []int     `json:"mrf_kernel_sizes" mapstructure:"mrf_kernel_sizes"`
	MRFDilations        [][][]int `json:"mrf_dilations" mapstructure:"mrf_dilations"`
	// HopLength of the upstream mel extractor; the product of the
	// upsample strides must equal it exactly.
	HopLength  int     `json:"hop_length" mapstructure:"hop_length"`
	Normalize  bool    `json:"mrf_normalize" mapstructure:"mrf_normalize"`
	LeakySlope float32 `json:"leaky_slope" mapstructure:"leaky_slope"`
	WeightNorm bool    `json:"weight_norm" mapstructure:"weight_norm"`
}

// DefaultGeneratorConfig returns the reference V1 architecture for a
// 22.05 kHz, hop 256 mel frontend.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		NumMels:             80,
		Channels:            512,
		UpsampleKernelSizes: []int{16, 16, 4, 4},
		MRFKernelSizes:      []int{3, 7, 11},
		MRFDilations: [][][]int{
			{{1, 1}, {3, 1}, {5, 1}},
			{{1, 1}, {3, 1}, {5, 1}},
			{{1, 1}, {3, 1}, {5, 1}},
		},
		HopLength:  256,
		Normalize:  true,
		LeakySlope: 0.1,
		WeightNorm: true,
	}
}

// strides derives the per-stage stride as kernel/2 (integer division).
func (c GeneratorConfig) strides() []int {
	s := make([]int, len(c.UpsampleKernelSizes))
	for i, k := range c.UpsampleKernelSizes {
		s[i] = k / 2
	}
	return s
}

// TotalUpsampleFactor is the product of the upsample strides. For a valid
// config it equals HopLength.
func (c GeneratorConfig) TotalUpsampleFactor() int {
	total := 1
	for _, s := range c.strides() {
		total *= s
	}
	return total
}

func (c GeneratorConfig) validate() error {
	if c.NumMels <= 0 {
		return &ConfigError{Param: "n_mels", Reason: fmt.Sprintf("must be positive, got %d", c.NumMels)}
	}
	if c.Channels <= 0 {
		return &ConfigError{Param: "generator_channels", Reason: fmt.Sprintf("must be positive, got %d", c.Channels)}
	}
	if len(c.UpsampleKernelSizes) == 0 {
		return &ConfigError{Param: "upsample_kernel_sizes", Reason: "must not be empty"}
	}
	for i, k := range c.UpsampleKernelSizes {
		if k < 2 || k%2 != 0 {
			return &ConfigError{
				Param:  "upsample_kernel_sizes",
				Reason: fmt.Sprintf("entry %d must be an even kernel size >= 2, got %d", i, k),
			}
		}
	}
	if len(c.MRFKernelSizes) != len(c.MRFDilations) {
		return &ConfigError{
			Param: "mrf_dilations",
			Reason: fmt.Sprintf("%d dilation lists for %d kernel sizes",
				len(c.MRFDilations), len(c.MRFKernelSizes)),
		}
	}
	if len(c.MRFKernelSizes) == 0 {
		return &ConfigError{Param: "mrf_kernel_sizes", Reason: "must not be empty"}
	}
	for i, k := range c.MRFKernelSizes {
		if k <= 0 || k%2 == 0 {
			return &ConfigError{
				Param:  "mrf_kernel_sizes",
				Reason: fmt.Sprintf("entry %d must be an odd positive kernel size, got %d", i, k),
			}
		}
		if len(c.MRFDilations[i]) == 0 {
			return &ConfigError{
				Param:  "mrf_dilations",
				Reason: fmt.Sprintf("dilation list %d is empty", i),
			}
		}
		for j, pair := range c.MRFDilations[i] {
			if len(pair) == 0 {
				return &ConfigError{
					Param:  "mrf_dilations",
					Reason: fmt.Sprintf("sub-block %d of list %d is empty", j, i),
				}
			}
			for _, d := range pair {
				if d <= 0 {
					return &ConfigError{
						Param:  "mrf_dilations",
						Reason: fmt.Sprintf("dilation must be positive, got %d in list %d", d, i),
					}
				}
			}
		}
	}
	// Channel count halves at every stage and must stay positive.
	ch := c.Channels
	for i := range c.UpsampleKernelSizes {
		ch /= 2
		if ch == 0 {
			return &ConfigError{
				Param: "generator_channels",
				Reason: fmt.Sprintf("channel count reaches zero at upsample stage %d (started at %d)",
					i, c.Channels),
			}
		}
	}
	if c.HopLength <= 0 {
		return &ConfigError{Param: "hop_length", Reason: fmt.Sprintf("must be positive, got %d", c.HopLength)}
	}
	if total := c.TotalUpsampleFactor(); total != c.HopLength {
		return &ConfigError{
			Param: "upsample_kernel_sizes",
			Reason: fmt.Sprintf("product of upsample strides %v is %d, hop length is %d",
				c.strides(), total, c.HopLength),
		}
	}
	return nil
}

// MPDConfig describes the multi-period discriminator ensemble.
type MPDConfig struct {
	Periods    []int `json:"periods" mapstructure:"periods"`
	Channels   []int `json:"channels" mapstructure:"channels"`
	WeightNorm bool  `json:"weight_norm" mapstructure:"weight_norm"`
}

func DefaultMPDConfig() MPDConfig {
	return MPDConfig{
		Periods:    []int{2, 3, 5, 7, 11},
		Channels:   []int{32, 128, 512, 1024},
		WeightNorm: true,
	}
}

func (c MPDConfig) validate() error {
	if len(c.Periods) == 0 {
		return &ConfigError{Param: "periods", Reason: "must not be empty"}
	}
	for _, p := range c.Periods {
		if p < 2 {
			return &ConfigError{Param: "periods", Reason: fmt.Sprintf("period must be >= 2, got %d", p)}
		}
	}
	if len(c.Channels) == 0 {
		return &ConfigError{Param: "channels", Reason: "must not be empty"}
	}
	for _, ch := range c.Channels {
		if ch <= 0 {
			return &ConfigError{Param: "channels", Reason: fmt.Sprintf("channel count must be positive, got %d", ch)}
		}
	}
	return nil
}

// MSDConfig describes the multi-scale discriminator ensemble. BaseChannels
// sets the width of the first convolution; deeper layers scale from it.
type MSDConfig struct {
	Scales       int  `json:"scales" mapstructure:"scales"`
	BaseChannels int  `json:"base_channels" mapstructure:"base_channels"`
	WeightNorm   bool `json:"weight_norm" mapstructure:"weight_norm"`
}

func DefaultMSDConfig() MSDConfig {
	return MSDConfig{Scales: 3, BaseChannels: 128, WeightNorm: true}
}

func (c MSDConfig) validate() error {
	if c.Scales <= 0 {
		return &ConfigError{Param: "scales", Reason: fmt.Sprintf("must be positive, got %d", c.Scales)}
	}
	if c.BaseChannels < 16 || c.BaseChannels%16 != 0 {
		return &ConfigError{
			Param:  "base_channels",
			Reason: fmt.Sprintf("must be a positive multiple of 16 for grouped convolutions, got %d", c.BaseChannels),
		}
	}
	return nil
}
