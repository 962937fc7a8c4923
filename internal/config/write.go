// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/dragnet/internal/errors"
)

// WriteDefault generates a starter configuration file. It refuses to
// overwrite an existing one.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf(errors.KindValidation, "config file %s already exists", path)
	}

	def := DefaultConfig()
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	comment(root, "dragnet daemon configuration")
	root.SetAttributeValue("log_level", cty.StringVal(def.LogLevel))
	root.SetAttributeValue("state_dir", cty.StringVal(def.StateDir))
	root.AppendNewline()

	comment(root, "Receive side. workers = 0 sizes the fanout group from the NIC's RX queues.")
	cb := root.AppendNewBlock("capture", nil).Body()
	cb.SetAttributeValue("interface", cty.StringVal(def.Capture.Interface))
	cb.SetAttributeValue("workers", cty.NumberIntVal(int64(def.Capture.Workers)))
	cb.SetAttributeValue("snap_len", cty.NumberIntVal(int64(def.Capture.SnapLen)))
	cb.SetAttributeValue("buffer_mb", cty.NumberIntVal(int64(def.Capture.BufferMB)))
	cb.SetAttributeValue("poll_timeout_ms", cty.NumberIntVal(int64(def.Capture.PollTimeoutMS)))
	cb.SetAttributeValue("prefilter", cty.StringVal(def.Capture.Prefilter))
	cb.SetAttributeValue("pin_cpus", cty.BoolVal(def.Capture.PinCPUs))
	root.AppendNewline()

	ftb := root.AppendNewBlock("flow_table", nil).Body()
	ftb.SetAttributeValue("max_flows", cty.NumberIntVal(int64(def.FlowTable.MaxFlows)))
	ftb.SetAttributeValue("idle_timeout", cty.StringVal(def.FlowTable.IdleTimeout))
	ftb.SetAttributeValue("sweep_interval", cty.StringVal(def.FlowTable.SweepInterval))
	root.AppendNewline()

	rb := root.AppendNewBlock("rules", nil).Body()
	rb.SetAttributeValue("file", cty.StringVal(def.Rules.File))
	rb.SetAttributeValue("max_patterns", cty.NumberIntVal(int64(def.Rules.MaxPatterns)))
	root.AppendNewline()

	comment(root, "Matched traffic lands here. format is flowfile or pcap.")
	sb := root.AppendNewBlock("store", nil).Body()
	sb.SetAttributeValue("format", cty.StringVal(def.Store.Format))
	sb.SetAttributeValue("payload_only", cty.BoolVal(def.Store.PayloadOnly))
	sb.SetAttributeValue("queue_depth", cty.NumberIntVal(int64(def.Store.QueueDepth)))
	sb.SetAttributeValue("batch_size", cty.NumberIntVal(int64(def.Store.BatchSize)))
	sb.SetAttributeValue("flush_interval", cty.StringVal(def.Store.FlushInterval))
	root.AppendNewline()

	ctb := root.AppendNewBlock("control", nil).Body()
	ctb.SetAttributeValue("socket", cty.StringVal("/run/dragnet/control.sock"))
	root.AppendNewline()

	ab := root.AppendNewBlock("api", nil).Body()
	ab.SetAttributeValue("enabled", cty.BoolVal(def.API.Enabled))
	ab.SetAttributeValue("listen", cty.StringVal(def.API.Listen))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "creating %s", dir)
		}
	}
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "writing %s", path)
	}
	return nil
}

func comment(body *hclwrite.Body, text string) {
	body.AppendUnstructuredTokens(hclwrite.Tokens{{
		Type:  hclsyntax.TokenComment,
		Bytes: []byte("# " + text + "\n"),
	}})
}
