//go:build linux

package capture

/*
#cgo LDFLAGS: -lX11 -lXext

#include <X11/Xlib.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <X11/extensions/XShm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display* display;
	Window root;
	int screen;
	int width;
	int height;
	int useShm;
	XShmSegmentInfo shmInfo;
	XImage* shmImage;
} sbrCaptureCtx;

// sbrOpen opens a connection to displayName (e.g. ":100") scoped to this
// capturer instance — unlike a single-desktop agent, this process serves
// many concurrent virtual displays, one capturer per session.
static int sbrOpen(sbrCaptureCtx* ctx, const char* displayName) {
	memset(ctx, 0, sizeof(*ctx));
	ctx->display = XOpenDisplay(displayName);
	if (ctx->display == NULL) {
		return 1;
	}
	ctx->screen = DefaultScreen(ctx->display);
	ctx->root = RootWindow(ctx->display, ctx->screen);
	ctx->width = DisplayWidth(ctx->display, ctx->screen);
	ctx->height = DisplayHeight(ctx->display, ctx->screen);

	int major, minor;
	Bool pixmaps;
	if (XShmQueryVersion(ctx->display, &major, &minor, &pixmaps)) {
		ctx->shmImage = XShmCreateImage(
			ctx->display, DefaultVisual(ctx->display, ctx->screen),
			DefaultDepth(ctx->display, ctx->screen), ZPixmap, NULL,
			&ctx->shmInfo, ctx->width, ctx->height);
		if (ctx->shmImage != NULL) {
			ctx->shmInfo.shmid = shmget(IPC_PRIVATE,
				ctx->shmImage->bytes_per_line * ctx->shmImage->height,
				IPC_CREAT | 0600);
			if (ctx->shmInfo.shmid >= 0) {
				ctx->shmInfo.shmaddr = ctx->shmImage->data = shmat(ctx->shmInfo.shmid, 0, 0);
				ctx->shmInfo.readOnly = False;
				if (XShmAttach(ctx->display, &ctx->shmInfo)) {
					ctx->useShm = 1;
					return 0;
				}
			}
			XDestroyImage(ctx->shmImage);
			ctx->shmImage = NULL;
		}
	}
	return 0;
}

static void sbrClose(sbrCaptureCtx* ctx) {
	if (ctx->shmImage != NULL) {
		XShmDetach(ctx->display, &ctx->shmInfo);
		shmdt(ctx->shmInfo.shmaddr);
		shmctl(ctx->shmInfo.shmid, IPC_RMID, 0);
		XDestroyImage(ctx->shmImage);
		ctx->shmImage = NULL;
	}
	if (ctx->display != NULL) {
		XCloseDisplay(ctx->display);
		ctx->display = NULL;
	}
}

// sbrCapture captures the full root window into dst (pre-sized RGBA
// buffer, width*height*4 bytes) and returns 0 on success.
static int sbrCapture(sbrCaptureCtx* ctx, unsigned char* dst) {
	XImage* image;
	if (ctx->useShm) {
		if (!XShmGetImage(ctx->display, ctx->root, ctx->shmImage, 0, 0, AllPlanes)) {
			return 2;
		}
		image = ctx->shmImage;
	} else {
		image = XGetImage(ctx->display, ctx->root, 0, 0, ctx->width, ctx->height, AllPlanes, ZPixmap);
		if (image == NULL) {
			return 3;
		}
	}

	int depth = image->bits_per_pixel;
	for (int y = 0; y < ctx->height; y++) {
		for (int x = 0; x < ctx->width; x++) {
			unsigned long pixel = XGetPixel(image, x, y);
			int idx = (y * ctx->width + x) * 4;
			if (depth == 32 || depth == 24) {
				dst[idx+0] = (pixel >> 16) & 0xFF;
				dst[idx+1] = (pixel >> 8) & 0xFF;
				dst[idx+2] = pixel & 0xFF;
				dst[idx+3] = 255;
			} else {
				dst[idx+0] = dst[idx+1] = dst[idx+2] = 0;
				dst[idx+3] = 255;
			}
		}
	}

	if (!ctx->useShm) {
		XDestroyImage(image);
	}
	return 0;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sandboxrun/sandboxrun/display"
)

// XDisplaySource captures one session's virtual X11 display via the
// XShm extension when available, falling back to plain XGetImage —
// adapted from the teacher's single-desktop X11 capturer (capture_linux.go)
// to hold its own per-instance connection instead of one process-global
// context, since many sessions' displays are captured concurrently here.
type XDisplaySource struct {
	mu     sync.Mutex
	ctx    C.sbrCaptureCtx
	width  int
	height int
	buf    []byte
}

// NewXDisplaySource opens a connection to the virtual display identified
// by displayID and sizes the capture buffer to the server's reported
// screen bounds (which must match the Display Pool's FrameConfig).
func NewXDisplaySource(displayID int) (*XDisplaySource, error) {
	name := C.CString(display.SocketDisplayName(displayID))
	defer C.free(unsafe.Pointer(name))

	s := &XDisplaySource{}
	if rc := C.sbrOpen(&s.ctx, name); rc != 0 {
		return nil, fmt.Errorf("open X11 display %s: XOpenDisplay failed", display.SocketDisplayName(displayID))
	}
	s.width = int(s.ctx.width)
	s.height = int(s.ctx.height)
	s.buf = make([]byte, s.width*s.height*4)
	return s, nil
}

func (s *XDisplaySource) Capture() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc := C.sbrCapture(&s.ctx, (*C.uchar)(unsafe.Pointer(&s.buf[0]))); rc != 0 {
		return nil, 0, fmt.Errorf("X11 capture failed: code %d", int(rc))
	}
	return s.buf, s.width * 4, nil
}

func (s *XDisplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	C.sbrClose(&s.ctx)
	return nil
}

// Bounds returns the display's reported width and height.
func (s *XDisplaySource) Bounds() (int, int) {
	return s.width, s.height
}
