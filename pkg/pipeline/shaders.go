package pipeline

import (
	"fmt"
	"math"
	"strings"
)

// The shader library: one shared fullscreen vertex pass plus the fragment
// programs run by the pipeline. Every program samples with
// textureSampleLevel so branches around taps stay legal, and every
// intermediate value stays in float render targets so sub-threshold mask
// values survive the chain.

// vertexSrc draws a fullscreen triangle from the vertex index alone; no
// vertex buffer is bound. uv is flipped so v grows downward like the
// uploaded images.
const vertexSrc = `
struct VSOut {
	@builtin(position) pos: vec4<f32>,
	@location(0) uv: vec2<f32>,
};

@vertex
fn vs_main(@builtin(vertex_index) vi: u32) -> VSOut {
	var out: VSOut;
	let grid = vec2<f32>(f32((vi << 1u) & 2u), f32(vi & 2u));
	out.pos = vec4<f32>(grid * 2.0 - 1.0, 0.0, 1.0);
	out.uv = vec2<f32>(grid.x, 1.0 - grid.y);
	return out;
}
`

// temporalSrc soft-thresholds the raw mask and blends it with the previous
// frame's mask using asymmetric appear/disappear rates. Motion raises both
// rates so moving regions adopt the fresh mask almost immediately.
// Branchless per the hot-path contract.
const temporalSrc = vertexSrc + `
struct Params {
	appear: f32,
	disappear: f32,
	softness: f32,
	has_motion: f32,
	first_frame: f32,
	pad0: f32,
	pad1: f32,
	pad2: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var current_tex: texture_2d<f32>;
@group(0) @binding(3) var previous_tex: texture_2d<f32>;
@group(0) @binding(4) var motion_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let raw = textureSampleLevel(current_tex, samp, in.uv, 0.0).r;
	let cur = smoothstep(0.5 - u.softness, 0.5 + u.softness, raw);
	let prev = textureSampleLevel(previous_tex, samp, in.uv, 0.0).r;

	let motion = textureSampleLevel(motion_tex, samp, in.uv, 0.0).r * u.has_motion;
	let boost = smoothstep(0.03, 0.2, motion);
	let appear = mix(u.appear, 0.98, boost);
	let disappear = mix(u.disappear, 0.95, boost);

	let alpha = mix(disappear, appear, step(prev, cur));
	var out = mix(prev, cur, alpha);
	// First dispatch adopts the mask verbatim.
	out = mix(out, cur, u.first_frame);
	return vec4<f32>(out, 0.0, 0.0, 1.0);
}
`

// morphologySrc runs a 3x3 dilate or erode; operation 0 selects dilate,
// 1 selects erode. radius scales the tap spacing in texels.
const morphologySrc = vertexSrc + `
struct Params {
	texel: vec2<f32>,
	operation: f32,
	radius: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var mask_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	var acc = textureSampleLevel(mask_tex, samp, in.uv, 0.0).r;
	for (var dy = -1; dy <= 1; dy++) {
		for (var dx = -1; dx <= 1; dx++) {
			let off = vec2<f32>(f32(dx), f32(dy)) * u.texel * u.radius;
			let s = textureSampleLevel(mask_tex, samp, in.uv + off, 0.0).r;
			acc = mix(max(acc, s), min(acc, s), u.operation);
		}
	}
	return vec4<f32>(acc, 0.0, 0.0, 1.0);
}
`

// shiftSrc translates the persisted mask by a sub-frame shift, clamping
// sampled coordinates so the border stretches instead of zero-filling.
const shiftSrc = vertexSrc + `
struct Params {
	shift: vec2<f32>,
	pad: vec2<f32>,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var mask_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let p = clamp(in.uv + u.shift, vec2<f32>(0.0), vec2<f32>(1.0));
	let v = textureSampleLevel(mask_tex, samp, p, 0.0).r;
	return vec4<f32>(v, 0.0, 0.0, 1.0);
}
`

// bilateralSigmaSpatial is the spatial falloff of the 5x5 upsample kernel,
// in low-res mask texels.
const bilateralSigmaSpatial = 1.5

// bilateralSrc upsamples the low-res mask guided by the full-res camera
// frame. Color distance is perceptual: luminance difference plus 3x-weighted
// chroma difference, which separates skin tones from near-white backgrounds.
// Spatial offsets and weights are baked into the source below.
var bilateralSrc = vertexSrc + `
struct Params {
	texel: vec2<f32>,
	range_sigma: f32,
	pad: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var mask_tex: texture_2d<f32>;
@group(0) @binding(3) var guide_tex: texture_2d<f32>;

` + bilateralKernelTable() + `

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let center_mask = textureSampleLevel(mask_tex, samp, in.uv, 0.0).r;
	let center_color = textureSampleLevel(guide_tex, samp, in.uv, 0.0).rgb;

	var acc = 0.0;
	var wsum = 0.0;
	for (var i = 0; i < 25; i++) {
		let p = in.uv + kernel_offsets[i] * u.texel;
		let m = textureSampleLevel(mask_tex, samp, p, 0.0).r;
		let c = textureSampleLevel(guide_tex, samp, p, 0.0).rgb;

		let d = c - center_color;
		let lum = dot(d, vec3<f32>(0.299, 0.587, 0.114));
		let chroma = d - vec3<f32>(lum);
		let dist2 = lum * lum + 3.0 * dot(chroma, chroma);

		let w = spatial_weights[i] * exp(-dist2 / (2.0 * u.range_sigma * u.range_sigma));
		acc += m * w;
		wsum += w;
	}

	if (wsum < 1e-4) {
		return vec4<f32>(center_mask, 0.0, 0.0, 1.0);
	}
	return vec4<f32>(acc / wsum, 0.0, 0.0, 1.0);
}
`

// featherSrc smooths only detected mask edges: where the local gradient is
// below 0.01 the center passes through untouched, otherwise a 5x5 Gaussian
// with sigma = feather radius is blended in by edge strength.
const featherSrc = vertexSrc + `
struct Params {
	texel: vec2<f32>,
	radius: f32,
	pad: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var mask_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let center = textureSampleLevel(mask_tex, samp, in.uv, 0.0).r;

	var grad = 0.0;
	for (var dy = -1; dy <= 1; dy++) {
		for (var dx = -1; dx <= 1; dx++) {
			if (dx == 0 && dy == 0) {
				continue;
			}
			let off = vec2<f32>(f32(dx), f32(dy)) * u.texel * 2.0;
			let n = textureSampleLevel(mask_tex, samp, in.uv + off, 0.0).r;
			grad = max(grad, abs(center - n));
		}
	}
	if (grad < 0.01) {
		return vec4<f32>(center, 0.0, 0.0, 1.0);
	}

	let sigma = max(u.radius, 0.001);
	var acc = 0.0;
	var wsum = 0.0;
	for (var dy = -2; dy <= 2; dy++) {
		for (var dx = -2; dx <= 2; dx++) {
			let d2 = f32(dx * dx + dy * dy);
			let w = exp(-d2 / (2.0 * sigma * sigma));
			let off = vec2<f32>(f32(dx), f32(dy)) * u.texel;
			acc += textureSampleLevel(mask_tex, samp, in.uv + off, 0.0).r * w;
			wsum += w;
		}
	}
	let blurred = acc / wsum;
	let v = mix(center, blurred, smoothstep(0.02, 0.15, grad));
	return vec4<f32>(v, 0.0, 0.0, 1.0);
}
`

// blurTaps is the tap count of the separable background blur.
const blurTaps = 13

// blurSigma shapes the 13-tap Gaussian; the radius option scales the tap
// spacing, not the curve.
const blurSigma = 2.6

// blurSrc is one direction of the separable background blur. direction is
// (1/W', 0) or (0, 1/H') in the half-res blur target's texels; radius_scale
// spreads the taps.
var blurSrc = vertexSrc + `
struct Params {
	direction: vec2<f32>,
	radius_scale: f32,
	pad: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var src_tex: texture_2d<f32>;

` + blurWeightTable() + `

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	var acc = vec3<f32>(0.0);
	for (var i = 0; i < 13; i++) {
		let p = in.uv + u.direction * f32(i - 6) * u.radius_scale;
		acc += textureSampleLevel(src_tex, samp, p, 0.0).rgb * blur_weights[i];
	}
	return vec4<f32>(acc, 1.0);
}
`

// compositeSrc blends camera over the selected background. Around the mask
// transition zone it estimates local foreground/background colors from a
// 13-sample cross, solves a closed-form alpha, and recovers the true
// foreground color so hair edges keep no halo of the old background.
// mode: 0 = blur, 1 = image, 2 = color.
const compositeSrc = vertexSrc + `
struct Params {
	crop_offset: vec2<f32>,
	crop_size: vec2<f32>,
	bg_color: vec4<f32>,
	texel: vec2<f32>,
	mode: f32,
	bg_fixed: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var camera_tex: texture_2d<f32>;
@group(0) @binding(3) var mask_tex: texture_2d<f32>;
@group(0) @binding(4) var blur_tex: texture_2d<f32>;
@group(0) @binding(5) var image_tex: texture_2d<f32>;

fn background_at(uv: vec2<f32>) -> vec3<f32> {
	let fixed_uv = clamp(
		(uv - u.crop_offset) / max(u.crop_size, vec2<f32>(1e-4)),
		vec2<f32>(0.0), vec2<f32>(1.0));
	let bguv = mix(uv, fixed_uv, u.bg_fixed);

	let blur_c = textureSampleLevel(blur_tex, samp, bguv, 0.0).rgb;
	let img_c = textureSampleLevel(image_tex, samp, bguv, 0.0).rgb;
	var bg = mix(blur_c, img_c, step(0.5, u.mode));
	bg = mix(bg, u.bg_color.rgb, step(1.5, u.mode));
	return bg;
}

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let I = textureSampleLevel(camera_tex, samp, in.uv, 0.0).rgb;
	let raw_mask = textureSampleLevel(mask_tex, samp, in.uv, 0.0).r;
	let new_bg = background_at(in.uv);

	// Edge-adaptive hardening: sharp camera edges get a tighter threshold
	// band, soft regions a wider one.
	let dx = textureSampleLevel(camera_tex, samp, in.uv + vec2<f32>(u.texel.x, 0.0), 0.0).rgb
		- textureSampleLevel(camera_tex, samp, in.uv - vec2<f32>(u.texel.x, 0.0), 0.0).rgb;
	let dy = textureSampleLevel(camera_tex, samp, in.uv + vec2<f32>(0.0, u.texel.y), 0.0).rgb
		- textureSampleLevel(camera_tex, samp, in.uv - vec2<f32>(0.0, u.texel.y), 0.0).rgb;
	let edge_strength = dot(dx, dx) + dot(dy, dy);
	let sharpness = smoothstep(0.001, 0.02, edge_strength);
	let lo = mix(0.15, 0.35, sharpness);
	let hi = mix(0.85, 0.65, sharpness);
	let m = smoothstep(lo, hi, raw_mask);

	var out_color = mix(new_bg, I, m);

	if (raw_mask >= 0.02 && raw_mask <= 0.98) {
		// 13-sample cross at a 4-texel stride: offsets 0, +-1, +-2, +-3
		// on each axis, proximity-weighted.
		var fg_acc = vec3<f32>(0.0);
		var fg_w = 0.0;
		var bg_acc = vec3<f32>(0.0);
		var bg_w = 0.0;
		for (var i = -3; i <= 3; i++) {
			for (var axis = 0; axis < 2; axis++) {
				if (i == 0 && axis == 1) {
					continue;
				}
				var off = vec2<f32>(f32(i), 0.0);
				if (axis == 1) {
					off = vec2<f32>(0.0, f32(i));
				}
				let p = in.uv + off * u.texel * 4.0;
				let mi = textureSampleLevel(mask_tex, samp, p, 0.0).r;
				let ci = textureSampleLevel(camera_tex, samp, p, 0.0).rgb;
				let prox = 1.0 / (1.0 + abs(f32(i)));
				let wf = smoothstep(0.6, 0.9, mi) * prox;
				let wb = (1.0 - smoothstep(0.1, 0.4, mi)) * prox;
				fg_acc += ci * wf;
				fg_w += wf;
				bg_acc += ci * wb;
				bg_w += wb;
			}
		}

		if (fg_w >= 0.01 && bg_w >= 0.01) {
			let F = fg_acc / fg_w;
			let B = bg_acc / bg_w;
			let fb = F - B;

			let alpha_matte = clamp(dot(I - B, fb) / max(dot(fb, fb), 0.01), 0.0, 1.0);

			// Only trust the matte when F and B are perceptually separable.
			let lum = dot(fb, vec3<f32>(0.299, 0.587, 0.114));
			let chroma = fb - vec3<f32>(lum);
			let pdist = sqrt(lum * lum + 3.0 * dot(chroma, chroma));
			let gate = smoothstep(0.02, 0.08, pdist);

			let beta = smoothstep(0.02, 0.15, raw_mask)
				* (1.0 - smoothstep(0.9, 1.0, raw_mask))
				* gate;

			let recovered = clamp(I + (new_bg - B) * (1.0 - alpha_matte),
				vec3<f32>(0.0), vec3<f32>(1.0));
			let alpha_final = mix(m, alpha_matte, 0.8 * beta);
			let refined = mix(new_bg, recovered, alpha_final);
			out_color = mix(out_color, refined, beta);
		}
	}

	return vec4<f32>(out_color, 1.0);
}
`

// lightWrapSrc bleeds a touch of background color onto the subject's edge
// band to sell the composite.
const lightWrapSrc = vertexSrc + `
struct Params {
	crop_offset: vec2<f32>,
	crop_size: vec2<f32>,
	bg_color: vec4<f32>,
	mode: f32,
	bg_fixed: f32,
	wrap_strength: f32,
	pad: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var composite_tex: texture_2d<f32>;
@group(0) @binding(3) var mask_tex: texture_2d<f32>;
@group(0) @binding(4) var blur_tex: texture_2d<f32>;
@group(0) @binding(5) var image_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let c = textureSampleLevel(composite_tex, samp, in.uv, 0.0).rgb;
	let m = textureSampleLevel(mask_tex, samp, in.uv, 0.0).r;

	let fixed_uv = clamp(
		(in.uv - u.crop_offset) / max(u.crop_size, vec2<f32>(1e-4)),
		vec2<f32>(0.0), vec2<f32>(1.0));
	let bguv = mix(in.uv, fixed_uv, u.bg_fixed);
	let blur_c = textureSampleLevel(blur_tex, samp, bguv, 0.0).rgb;
	let img_c = textureSampleLevel(image_tex, samp, bguv, 0.0).rgb;
	var bg = mix(blur_c, img_c, step(0.5, u.mode));
	bg = mix(bg, u.bg_color.rgb, step(1.5, u.mode));

	let band = smoothstep(0.25, 0.45, m) * (1.0 - smoothstep(0.55, 0.75, m));
	let out = mix(c, bg, band * u.wrap_strength);
	return vec4<f32>(out, 1.0);
}
`

// cropSrc samples a sub-rectangle of the source into the full target.
const cropSrc = vertexSrc + `
struct Params {
	offset: vec2<f32>,
	size: vec2<f32>,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var src_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	return textureSampleLevel(src_tex, samp, u.offset + in.uv * u.size, 0.0);
}
`

// colorMatchSrc nudges the background image toward the camera's exposure.
// gain is clamp(fgMean/bgMean, 0.7, 1.4), computed on the CPU at model rate.
const colorMatchSrc = vertexSrc + `
struct Params {
	gain: vec4<f32>,
	strength: f32,
	pad0: f32,
	pad1: f32,
	pad2: f32,
};

@group(0) @binding(0) var<uniform> u: Params;
@group(0) @binding(1) var samp: sampler;
@group(0) @binding(2) var src_tex: texture_2d<f32>;

@fragment
fn fs_main(in: VSOut) -> @location(0) vec4<f32> {
	let c = textureSampleLevel(src_tex, samp, in.uv, 0.0).rgb;
	let matched = clamp(c * u.gain.rgb, vec3<f32>(0.0), vec3<f32>(1.0));
	return vec4<f32>(mix(c, matched, u.strength), 1.0);
}
`

// bilateralKernelTable bakes the 5x5 offsets and spatial Gaussian weights
// into module-scope private WGSL arrays, which the kernel loop can index
// with its runtime counter.
func bilateralKernelTable() string {
	var offs, weights strings.Builder
	offs.WriteString("var<private> kernel_offsets: array<vec2<f32>, 25> = array<vec2<f32>, 25>(\n")
	weights.WriteString("var<private> spatial_weights: array<f32, 25> = array<f32, 25>(\n")
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			d2 := float64(dx*dx + dy*dy)
			w := math.Exp(-d2 / (2 * bilateralSigmaSpatial * bilateralSigmaSpatial))
			fmt.Fprintf(&offs, "\tvec2<f32>(%d.0, %d.0),\n", dx, dy)
			fmt.Fprintf(&weights, "\t%.6f,\n", w)
		}
	}
	offs.WriteString(");\n")
	weights.WriteString(");\n")
	return offs.String() + "\n" + weights.String()
}

// blurWeightTable bakes the normalized 13-tap Gaussian into a module-scope
// private WGSL array.
func blurWeightTable() string {
	weights := blurWeights()
	var b strings.Builder
	b.WriteString("var<private> blur_weights: array<f32, 13> = array<f32, 13>(\n")
	for _, w := range weights {
		fmt.Fprintf(&b, "\t%.6f,\n", w)
	}
	b.WriteString(");\n")
	return b.String()
}

// blurWeights returns the normalized Gaussian weights for the 13-tap blur.
func blurWeights() [blurTaps]float64 {
	var w [blurTaps]float64
	sum := 0.0
	for i := range w {
		d := float64(i - blurTaps/2)
		w[i] = math.Exp(-d * d / (2 * blurSigma * blurSigma))
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}
