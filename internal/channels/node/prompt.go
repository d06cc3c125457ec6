package node

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"

	"github.com/clawdis/clawdis/internal/bridge"
)

// CLIPrompt is the terminal-based pairing approval flow: a new node's pairing
// request is rendered as a QR code carrying a pairing URL (so the operator
// can visually confirm it matches the device asking to pair, the same
// physical-possession idea as the WhatsApp QR link flow) and the operator
// types yes/no at the Gateway's controlling terminal.
func CLIPrompt(baseURL string) bridge.OperatorPrompt {
	return func(ctx context.Context, req bridge.Frame, isRepair bool) bool {
		verb := "pair"
		if isRepair {
			verb = "re-pair"
		}
		fmt.Printf("\nNode wants to %s: %s (%s, %s)\n", verb, req.DisplayName, req.NodeID, req.Platform)

		pairingURL := fmt.Sprintf("%s/bridge/confirm?nodeId=%s", baseURL, req.NodeID)
		qrterminal.GenerateHalfBlock(pairingURL, qrterminal.L, os.Stdout)
		fmt.Println()
		fmt.Print("Approve pairing? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}
