package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/joeycumines/go-mqttpipe/mqtt"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Dial a running mqttproxy and confirm it answers a PINGREQ",
	RunE:  runHealthcheck,
}

func init() {
	healthcheckCmd.Flags().String("addr", "127.0.0.1:1883", "address of the mqttproxy to probe")
	healthcheckCmd.Flags().Duration("timeout", 5*time.Second, "overall dial and round-trip timeout")
}

func runHealthcheck(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	w := mqtt.NewPacketWriter(conn)
	if err := w.WritePacket(mqtt.PingReq{}); err != nil {
		return fmt.Errorf("write pingreq: %w", err)
	}

	r := mqtt.NewPacketReader(conn, false, 256*1024*1024)
	defer r.Close()

	pkt, err := r.ReadPacket()
	if err != nil {
		return fmt.Errorf("read pingresp: %w", err)
	}
	if _, ok := pkt.(mqtt.PingResp); !ok {
		return fmt.Errorf("unexpected reply packet type %T", pkt)
	}

	fmt.Println("ok")
	return nil
}
