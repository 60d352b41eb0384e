package capture

/*
#cgo LDFLAGS: -lvpx

#include <stdlib.h>
#include <string.h>
#include <vpx/vpx_encoder.h>
#include <vpx/vp8cx.h>

// sbrVP8Init allocates and configures a VP8 encoder context tuned for
// low-latency, constant-bitrate, no-B-frame screen delivery per
// spec.md §4.4. The resolved cfg is written back to *outCfg so later
// bitrate changes can be applied against the live configuration.
// Returns 0 on success.
static int sbrVP8Init(vpx_codec_ctx_t* codec, vpx_codec_enc_cfg_t* outCfg, int width, int height, int bitrateBps, int fps, int keyframeInterval) {
	vpx_codec_iface_t* iface = vpx_codec_vp8_cx();
	if (vpx_codec_enc_config_default(iface, outCfg, 0) != VPX_CODEC_OK) {
		return 1;
	}
	outCfg->g_w = width;
	outCfg->g_h = height;
	outCfg->g_timebase.num = 1;
	outCfg->g_timebase.den = fps > 0 ? fps : 30;
	outCfg->rc_target_bitrate = bitrateBps / 1000;
	outCfg->rc_end_usage = VPX_CBR;
	outCfg->g_pass = VPX_RC_ONE_PASS;
	outCfg->g_lag_in_frames = 0; // no B-frames / lookahead — minimum latency
	outCfg->kf_mode = VPX_KF_AUTO;
	outCfg->kf_max_dist = keyframeInterval > 0 ? keyframeInterval : 120;
	outCfg->rc_min_quantizer = 4;
	outCfg->rc_max_quantizer = 56;
	outCfg->g_error_resilient = VPX_ERROR_RESILIENT_DEFAULT;

	if (vpx_codec_enc_init(codec, iface, outCfg, 0) != VPX_CODEC_OK) {
		return 2;
	}
	vpx_codec_control(codec, VP8E_SET_CPUUSED, 8); // realtime speed preset
	return 0;
}

static int sbrVP8SetBitrate(vpx_codec_ctx_t* codec, vpx_codec_enc_cfg_t* cfg, int bitrateBps) {
	cfg->rc_target_bitrate = bitrateBps / 1000;
	return vpx_codec_enc_config_set(codec, cfg) == VPX_CODEC_OK ? 0 : 1;
}

// sbrVP8Encode encodes one I420 frame. forceKeyframe requests an IDR.
// On success, *outData/*outSize point at libvpx-owned memory valid until
// the next call; the caller must copy it before encoding again.
static int sbrVP8Encode(vpx_codec_ctx_t* codec, unsigned char* i420, int width, int height,
                         long pts, int forceKeyframe, unsigned char** outData, size_t* outSize, int* isKeyframe) {
	vpx_image_t img;
	if (vpx_img_wrap(&img, VPX_IMG_FMT_I420, width, height, 1, i420) == NULL) {
		return 1;
	}

	vpx_enc_frame_flags_t flags = forceKeyframe ? VPX_EFLAG_FORCE_KF : 0;
	if (vpx_codec_encode(codec, &img, pts, 1, flags, VPX_DL_REALTIME) != VPX_CODEC_OK) {
		return 2;
	}

	vpx_codec_iter_t iter = NULL;
	const vpx_codec_cx_pkt_t* pkt;
	*outData = NULL;
	*outSize = 0;
	*isKeyframe = 0;
	while ((pkt = vpx_codec_get_cx_data(codec, &iter)) != NULL) {
		if (pkt->kind == VPX_CODEC_CX_FRAME_PKT) {
			*outData = (unsigned char*)pkt->data.frame.buf;
			*outSize = pkt->data.frame.sz;
			*isKeyframe = (pkt->data.frame.flags & VPX_FRAME_IS_KEY) != 0;
		}
	}
	return 0;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// VP8Encoder is the software VP8 encoder backend (libvpx via cgo). This
// codebase has no widely-available Go VP8 hardware backend to bind
// against (see DESIGN.md), so BackendIsHardware always reports false —
// the factory-shaped Encoder interface is kept regardless so a future
// hardware backend slots in without changing Pipeline.
type VP8Encoder struct {
	codec  C.vpx_codec_ctx_t
	cfg    C.vpx_codec_enc_cfg_t
	width  int
	height int
	pts    C.long
}

func NewVP8Encoder(cfg FrameConfig) (*VP8Encoder, error) {
	e := &VP8Encoder{width: cfg.Width, height: cfg.Height}
	if rc := C.sbrVP8Init(&e.codec, &e.cfg, C.int(cfg.Width), C.int(cfg.Height),
		C.int(cfg.TargetBitrate), C.int(cfg.TargetFPS), C.int(cfg.KeyframeEvery)); rc != 0 {
		return nil, fmt.Errorf("vp8 encoder init failed: code %d", int(rc))
	}
	return e, nil
}

func (e *VP8Encoder) Encode(i420 []byte, forceKeyframe bool) ([]byte, bool, error) {
	var outData *C.uchar
	var outSize C.size_t
	var isKeyframe C.int

	force := 0
	if forceKeyframe {
		force = 1
	}

	rc := C.sbrVP8Encode(&e.codec, (*C.uchar)(unsafe.Pointer(&i420[0])), C.int(e.width), C.int(e.height),
		e.pts, C.int(force), &outData, &outSize, &isKeyframe)
	e.pts++
	if rc != 0 {
		return nil, false, fmt.Errorf("vp8 encode failed: code %d", int(rc))
	}
	if outData == nil || outSize == 0 {
		return nil, false, nil
	}
	out := C.GoBytes(unsafe.Pointer(outData), C.int(outSize))
	return out, isKeyframe != 0, nil
}

func (e *VP8Encoder) SetBitrate(bitsPerSecond int) error {
	if rc := C.sbrVP8SetBitrate(&e.codec, &e.cfg, C.int(bitsPerSecond)); rc != 0 {
		return fmt.Errorf("set bitrate failed: code %d", int(rc))
	}
	return nil
}

func (e *VP8Encoder) BackendIsHardware() bool { return false }

func (e *VP8Encoder) Close() error {
	C.vpx_codec_destroy(&e.codec)
	return nil
}
