package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/artifact"
	"github.com/sells-group/coach-insights/internal/model"
)

var (
	processChannel  string
	processSender   string
	processCoach    string
	processOrgs     []string
	processText     string
	processFile     string
	processMediaURL string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Ingest one coach note and run the pipeline synchronously",
	Example: `  coach-insights process --coach c-1 --org org-1 --text "Maya's serve is much better"
  coach-insights process --channel whatsapp_audio --sender +15550100 --coach c-1 --org org-1:0.9 --media-url https://...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in, err := buildNewArtifact()
		if err != nil {
			return err
		}

		env, err := initApp(ctx, modePipeline)
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Artifacts.Ingest(ctx, in)
		if err != nil {
			return eris.Wrap(err, "ingest note")
		}
		zap.L().Info("note ingested", zap.String("artifact_id", a.ID))

		res, err := env.Pipeline.Process(ctx, a.ID)
		if err != nil {
			return eris.Wrapf(err, "process artifact %s", a.ID)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// buildNewArtifact assembles the note from flags. Text comes from --text or
// --file; a sender defaults to the coach.
func buildNewArtifact() (artifact.NewArtifact, error) {
	text := processText
	if processFile != "" {
		if text != "" {
			return artifact.NewArtifact{}, eris.New("--text and --file are mutually exclusive")
		}
		b, err := os.ReadFile(processFile)
		if err != nil {
			return artifact.NewArtifact{}, eris.Wrapf(err, "read %s", processFile)
		}
		text = string(b)
	}

	orgs, err := parseOrgCandidates(processOrgs)
	if err != nil {
		return artifact.NewArtifact{}, err
	}

	sender := processSender
	if sender == "" {
		sender = processCoach
	}

	in := artifact.NewArtifact{
		Channel:       model.SourceChannel(processChannel),
		SenderID:      sender,
		CoachID:       processCoach,
		OrgCandidates: orgs,
		MediaURL:      processMediaURL,
		RawText:       text,
	}
	if err := in.Validate(); err != nil {
		return artifact.NewArtifact{}, err
	}
	return in, nil
}

// parseOrgCandidates reads "org" or "org:confidence" values. A bare org id
// has confidence 1.
func parseOrgCandidates(values []string) ([]model.OrgCandidate, error) {
	out := make([]model.OrgCandidate, 0, len(values))
	for _, v := range values {
		id, conf, hasConf := strings.Cut(strings.TrimSpace(v), ":")
		if id == "" {
			return nil, eris.Errorf("invalid --org value %q", v)
		}
		c := model.OrgCandidate{OrgID: id, Confidence: 1}
		if hasConf {
			f, err := strconv.ParseFloat(conf, 64)
			if err != nil || f < 0 || f > 1 {
				return nil, eris.Errorf("invalid confidence in --org %q: must be in [0,1]", v)
			}
			c.Confidence = f
		}
		out = append(out, c)
	}
	return out, nil
}

func init() {
	f := processCmd.Flags()
	f.StringVar(&processChannel, "channel", string(model.ChannelAppTyped), fmt.Sprintf("source channel (%s, %s, %s, %s)",
		model.ChannelWhatsAppAudio, model.ChannelWhatsAppText, model.ChannelAppRecorded, model.ChannelAppTyped))
	f.StringVar(&processSender, "sender", "", "sender id (defaults to --coach)")
	f.StringVar(&processCoach, "coach", "", "coach id")
	f.StringSliceVar(&processOrgs, "org", nil, "candidate org as id or id:confidence (repeatable)")
	f.StringVar(&processText, "text", "", "note text")
	f.StringVar(&processFile, "file", "", "read note text from a file")
	f.StringVar(&processMediaURL, "media-url", "", "audio url for voice channels")
	_ = processCmd.MarkFlagRequired("coach")
	rootCmd.AddCommand(processCmd)
}
