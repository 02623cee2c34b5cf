// mattecam runs the full engine against a local webcam: capture via
// OpenCV, segmentation post-processing on the GPU, live preview over
// websocket and optional WebRTC publishing.
//
// Environment:
//
//	MATTE_CAMERA     capture device index (default 0)
//	MATTE_WIDTH/HEIGHT  capture size (default 1280x720)
//	MATTE_MODEL      ONNX segmentation model path
//	MATTE_REMOTE_PRODUCER  HTTP segmentation endpoint instead of local model
//	MATTE_ADDR       preview server address (default :8089)
//	MATTE_SIGNALLING WebRTC signalling server (optional)
//	MATTE_MODE       blur | color | none (default blur)
package main

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/lumakit/go-matte/internal/config"
	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/matte"
	"github.com/lumakit/go-matte/pkg/pipeline"
	"github.com/lumakit/go-matte/pkg/producer"
	"github.com/lumakit/go-matte/pkg/stream"
	"github.com/lumakit/go-matte/pkg/web"
)

func main() {
	log.Init(os.Getenv("MATTE_LOG_LEVEL"))

	width, height := config.FrameSize()
	camIdx := config.CameraIndex()

	capture, err := gocv.OpenVideoCapture(camIdx)
	if err != nil {
		log.Error("open camera failed", "index", camIdx, "err", err)
		os.Exit(1)
	}
	defer capture.Close()
	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))

	server := web.NewServer(config.Addr())

	opts := matte.DefaultOptions()
	opts.Background = backgroundFromEnv()
	opts.UseWorker = true
	opts.ProducerFactory = producerFactory()
	opts.AutoFrame.Enabled = os.Getenv("MATTE_AUTOFRAME") == "1"
	opts.Diagnostics = matte.DiagnosticsOptions{
		Level:      matte.DiagSummary,
		IntervalMs: 5000,
		OnEvent:    server.PublishEvent,
	}

	proc := matte.New(opts)
	if err := proc.Init(width, height); err != nil {
		log.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer proc.Close()

	server.OnOptions = func(u web.OptionsUpdate) error {
		return applyOptions(proc, u)
	}
	go func() {
		if err := server.Start(); err != nil {
			log.Error("preview server failed", "err", err)
		}
	}()

	var publisher *stream.Publisher
	if url := config.SignallingURL(); url != "" {
		publisher = stream.NewPublisher(url, 30)
		if err := publisher.Connect(width, height); err != nil {
			log.Warn("webrtc publisher unavailable", "err", err)
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("mattecam: %dx%d on camera %d, preview at %s\n",
		width, height, camIdx, config.Addr())

	runLoop(capture, proc, server, publisher, width, height, stop)
}

// runLoop pulls frames until interrupted.
func runLoop(capture *gocv.VideoCapture, proc *matte.Processor, server *web.Server,
	publisher *stream.Publisher, width, height int, stop <-chan os.Signal) {

	bgr := gocv.NewMat()
	defer bgr.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	start := time.Now()
	var encodeBuf bytes.Buffer

	for {
		select {
		case <-stop:
			log.Info("shutting down")
			return
		default:
		}

		if ok := capture.Read(&bgr); !ok || bgr.Empty() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		gocv.CvtColor(bgr, &rgba, gocv.ColorBGRToRGBA)

		// ToBytes copies, so every frame owns its pixels; the worker can
		// hold the buffer until its mask returns.
		pixels := rgba.ToBytes()

		frame := &pipeline.Frame{
			Width:       width,
			Height:      height,
			Pixels:      pixels,
			TimestampMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}

		surface, err := proc.ProcessFrame(frame, frame.TimestampMs)
		if err != nil {
			log.Error("frame failed", "err", err)
			return
		}
		if surface == nil {
			continue
		}

		wantPreview := server.HasViewers()
		wantStream := publisher != nil
		if !wantPreview && !wantStream {
			continue
		}

		out, err := surface.ReadRGBA()
		if err != nil {
			log.Warn("readback failed", "err", err)
			continue
		}

		if wantStream {
			if err := publisher.PushFrame(out); err != nil {
				log.Warn("publish failed", "err", err)
			}
		}
		if wantPreview {
			img := &image.RGBA{Pix: out, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
			encodeBuf.Reset()
			if err := jpeg.Encode(&encodeBuf, img, &jpeg.Options{Quality: 80}); err == nil {
				server.PublishFrame(encodeBuf.Bytes())
			}
		}
	}
}

func backgroundFromEnv() pipeline.Background {
	switch os.Getenv("MATTE_MODE") {
	case "color":
		return pipeline.ColorBackground{R: 16, G: 120, B: 64}
	case "none":
		return pipeline.NoBackground{}
	default:
		return pipeline.BlurBackground{Radius: 12}
	}
}

func producerFactory() func() (producer.Producer, error) {
	if url := config.RemoteProducerURL(); url != "" {
		return func() (producer.Producer, error) {
			return producer.NewRemote(producer.RemoteConfig{
				URL:         url,
				InputWidth:  256,
				InputHeight: 256,
			})
		}
	}
	modelPath := config.ModelPath()
	return func() (producer.Producer, error) {
		cfg := producer.DefaultDNNConfig()
		cfg.ModelPath = modelPath
		return producer.NewDNN(cfg)
	}
}

func applyOptions(proc *matte.Processor, u web.OptionsUpdate) error {
	if u.BackgroundMode != "" {
		var bg pipeline.Background
		switch u.BackgroundMode {
		case "blur":
			radius := u.BlurRadius
			if radius == 0 {
				radius = 12
			}
			bg = pipeline.BlurBackground{Radius: radius}
		case "color":
			r, g, b, err := parseHexColor(u.BackgroundColor)
			if err != nil {
				return err
			}
			bg = pipeline.ColorBackground{R: r, G: g, B: b}
		case "none":
			bg = pipeline.NoBackground{}
		default:
			return fmt.Errorf("unknown background mode %q", u.BackgroundMode)
		}
		if err := proc.SetBackground(bg); err != nil {
			return err
		}
	}
	if u.Tier != nil {
		proc.SetTier(*u.Tier, float64(time.Now().UnixMilli()))
	}
	if u.LockTier != nil {
		if *u.LockTier {
			proc.LockQuality()
		} else {
			proc.UnlockQuality()
		}
	}
	return nil
}

func parseHexColor(s string) (r, g, b uint8, err error) {
	if len(s) != 7 || s[0] != '#' {
		return 0, 0, 0, fmt.Errorf("color must be #rrggbb, got %q", s)
	}
	var ri, gi, bi int
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &ri, &gi, &bi); err != nil {
		return 0, 0, 0, err
	}
	return uint8(ri), uint8(gi), uint8(bi), nil
}
