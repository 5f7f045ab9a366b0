package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/mithermo/internal/advert"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex-payload>",
	Short: "Decode a raw ATC service-data payload",
	Long: `Decode the service-data payload of an ATC firmware advertisement.

The payload is given as hex; spaces, colons, dashes and a 0x prefix are ignored.`,
	Example: `  mithermo decode a4c138112233100990130b0b3c
  mithermo decode "A4:C1:38:11:22:33:10:09:90:13:B8:0B:3C" --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var decodeFormat string

func init() {
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "table", "Output format (table, json)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	if !slices.Contains(outputFormats, decodeFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", decodeFormat, outputFormats)
	}

	payload, err := parseHexPayload(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	reading, err := advert.Decode(payload)
	if err != nil {
		return err
	}
	return writeReading(cmd.OutOrStdout(), reading, decodeFormat)
}

func parseHexPayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "").Replace(s)

	payload, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return payload, nil
}

func writeReading(w io.Writer, r advert.Reading, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tVALUE")
	fmt.Fprintf(tw, "Temperature\t%.2f °C\n", r.TemperatureCelsius)
	fmt.Fprintf(tw, "Humidity\t%.2f %%\n", r.RelativeHumidityPercent)
	fmt.Fprintf(tw, "Battery\t%d %%\n", r.BatteryPercent)
	return tw.Flush()
}
