// Command sfu-uploader flashes firmware to an SFU bootloader device over a
// serial port: it negotiates an optional GPIO reset, queries device info,
// optionally renegotiates the baud rate, erases, writes the firmware image,
// and starts the application.
package main

import (
	"fmt"
	"os"

	"github.com/Mirn/sfu-cli-uploader/internal/config"
	"github.com/Mirn/sfu-cli-uploader/internal/reset"
	"github.com/Mirn/sfu-cli-uploader/internal/serialport"
	"github.com/Mirn/sfu-cli-uploader/internal/session"
	"github.com/Mirn/sfu-cli-uploader/internal/sfu"
	"github.com/Mirn/sfu-cli-uploader/internal/uploader"
	"github.com/Mirn/sfu-cli-uploader/internal/uploadevents"
)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	cfg, err := config.Parse(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sfu-uploader:", err)
		return uploader.ExitParamError.Code()
	}

	var firmware []byte
	if cfg.FirmwarePath != "" {
		firmware, err = loadFirmware(cfg.FirmwarePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sfu-uploader:", err)
			return uploader.ExitFWLoadError.Code()
		}
	}

	log, err := session.Open()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sfu-uploader: open session log:", err)
		return uploader.ExitParamError.Code()
	}
	defer log.Close()

	port, err := serialport.Open(cfg.Port, cfg.BaudInit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sfu-uploader:", err)
		return uploader.ExitParamError.Code()
	}
	defer port.Close()

	if cfg.Reset != nil {
		status, err := reset.Run(port, cfg.Reset)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sfu-uploader: reset:", err)
			_ = log.HostLine("reset failed: %v", err)
			return uploader.ExitResetError.Code()
		}
		_ = log.HostLine("reset done via %s", status)
		fmt.Printf("reset done via %s\n", status)
	}

	events := uploadevents.NewHub()
	sub, cancel := events.Subscribe()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		logEvents(sub, log)
	}()

	ctrl := uploader.New(uploader.Config{
		Firmware:   firmware,
		InfoOnly:   cfg.InfoOnly,
		EraseOnly:  cfg.EraseOnly,
		NoPrewrite: cfg.NoPrewrite,
		InitBaud:   cfg.BaudInit,
		MainBaud:   cfg.BaudMain,
	}, port, events)

	reason := ctrl.Run()

	// cancel() closes sub, which ends logEvents's range loop; wait for it
	// to drain and return before report() and the deferred log.Close()
	// touch the log from this goroutine, since Writer isn't safe for
	// concurrent use.
	cancel()
	<-logDone

	report(ctrl, reason, log)
	return reason.Code()
}

func loadFirmware(path string) ([]byte, error) {
	fw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load firmware %s: %w", path, err)
	}
	for len(fw)%4 != 0 {
		fw = append(fw, 0xFF)
	}
	return fw, nil
}

// logEvents mirrors controller lifecycle events into the session log; it
// exits when the hub closes the subscription channel on cancel.
func logEvents(events <-chan uploadevents.Event, log *session.Writer) {
	for ev := range events {
		switch ev.Kind {
		case uploadevents.KindPhase:
			_ = log.HostLine("phase=%s", ev.Phase)
		case uploadevents.KindDeviceInfo:
			if info, ok := ev.Payload.(sfu.DeviceInfo); ok {
				_ = log.HostLine("device info: sfu_version=0x%04x flash=%d receive_size=%d main_start=0x%08x",
					info.SFUVersion, info.FlashSizeCorrect, info.ReceiveSize, info.MainStartFrom)
			}
		case uploadevents.KindStartAck:
			if ack, ok := ev.Payload.(sfu.StartAck); ok {
				_ = log.HostLine("start ack: mcu_from=0x%08x mcu_count=%d mcu_crc32=0x%08x",
					ack.McuFrom, ack.McuCount, ack.McuCRC32)
			}
		case uploadevents.KindLogLine:
			if line, ok := ev.Payload.(string); ok {
				_ = log.DeviceLine(line)
			}
		case uploadevents.KindDone:
			_ = log.HostLine("session done: %v", ev.Payload)
		}
		_ = log.Flush()
	}
}

// report prints the end-of-run summary spec §7 calls for: parser statistics
// when any error counter fired, a warning for an unterminated log line, and
// a "NOT FINISHED" warning when a phase didn't complete despite nominal
// success.
func report(ctrl *uploader.Controller, reason uploader.ExitReason, log *session.Writer) {
	fmt.Printf("result: %s (exit %d)\n", reason, reason.Code())

	stats := ctrl.Stats()
	if stats.CRCErrorFrames > 0 || stats.SizeOrCodeErrors > 0 || stats.OtherErrorFrames > 0 {
		fmt.Printf("parser stats: valid=%d crc_errors=%d size_or_code_errors=%d other_errors=%d incomplete_bytes=%d log_bytes=%d log_lines=%d\n",
			stats.ValidFrames, stats.CRCErrorFrames, stats.SizeOrCodeErrors, stats.OtherErrorFrames,
			stats.IncompleteBytes, stats.LogBytes, stats.LogLines)
	}

	if ctrl.HasPendingLogLine() {
		fmt.Println("warning: a device log line was left unterminated at session end")
	}

	if reason == uploader.ExitSuccess && ctrl.PhaseIncomplete() {
		fmt.Println("warning: NOT FINISHED — session reported success but a phase never completed")
	}

	_ = log.Flush()
}
