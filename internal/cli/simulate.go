package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"windtunnel-telemetry/internal/app"
)

var (
	simulatePeer     string
	simulateDeclared string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate FRAME",
	Short: "模拟一帧上位机数据并走完整处理流程",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePeer == "" && simulateDeclared == "" {
			return errors.New("--peer 或 --declared 至少指定一个")
		}
		_, err := getApp().Simulate(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			PeerAddr: simulatePeer,
			Declared: simulateDeclared,
			Frame:    args[0],
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePeer, "peer", "", "模拟的上位机地址 (IP 或 IP:port)")
	simulateCmd.Flags().StringVar(&simulateDeclared, "declared", "", "模拟的上位机声明身份")
}
