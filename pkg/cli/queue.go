package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/server"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

func NewQueueCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Interact with a running boottest daemon",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.GetViper().BindPFlags(cmd.PersistentFlags())
		},
	}

	cmd.PersistentFlags().String("server", "http://localhost:8420", "address of the boottest daemon")

	return cmd
}

func NewQueueAddCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add IMAGE_URL",
		Short: "Submit an image for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(server.SubmitTestRequest{
				ImageURL:    args[0],
				RequestedBy: "cli",
			})
			if err != nil {
				return errors.Wrap(err, "marshal request")
			}

			resp, err := http.Post(cli.GetViper().GetString("server")+"/v1/test", "application/json", bytes.NewReader(body))
			if err != nil {
				return errors.Wrap(err, "submit test")
			}
			defer resp.Body.Close()

			submitTestResponse := server.SubmitTestResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&submitTestResponse); err != nil {
				return errors.Wrap(err, "decode response")
			}

			switch resp.StatusCode {
			case http.StatusAccepted:
				fmt.Fprintf(cmd.OutOrStdout(), "accepted: %s\n", submitTestResponse.ID)
			case http.StatusConflict:
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate of %s\n", submitTestResponse.ID)
			default:
				return errors.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		},
	}
	return cmd
}

func NewQueueListCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			listTestsResponse := server.ListTestsResponse{}
			if err := getJSON(cli.GetViper().GetString("server")+"/v1/tests", &listTestsResponse); err != nil {
				return err
			}

			for _, record := range listTestsResponse.Tests {
				line := fmt.Sprintf("%s  %-8s  %s", record.ID, record.Status, record.ImageURL)
				if record.Status == store.StatusFailed {
					line += fmt.Sprintf("  (%s: %s)", record.ErrorStage, record.ErrorMessage)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func NewQueueStatusCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue idle state and depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueStatusResponse := server.QueueStatusResponse{}
			if err := getJSON(cli.GetViper().GetString("server")+"/v1/queue/status", &queueStatusResponse); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "isIdle=%d queued=%d running=%d\n",
				queueStatusResponse.IsIdle, queueStatusResponse.Queued, queueStatusResponse.Running)
			return nil
		},
	}
	return cmd
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
