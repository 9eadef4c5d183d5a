package deploy

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/run-ci/convey/config"
)

func TestCopyDeploy(t *testing.T) {
	work := seedWorkspace(t)
	dest := t.TempDir()

	artifacts, err := SelectArtifacts(work, []string{"dist/**"})
	if err != nil {
		t.Fatalf("error selecting artifacts: %v", err)
	}
	artifacts = Rebase(artifacts, "dist")

	buf := &bytes.Buffer{}
	res := Copy{}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind: config.KindCopy,
			Dir:  dest,
		},
		Artifacts: artifacts,
		Output:    buf,
	})

	if !res.Transferred {
		t.Fatalf("expected transfer to succeed: %v", res.Detail)
	}
	if !res.PostCommandOK {
		t.Fatalf("expected no post command to count as ok")
	}
	if res.Files != 3 {
		t.Fatalf("expected 3 files transferred, got %d", res.Files)
	}

	buf2, err := ioutil.ReadFile(filepath.Join(dest, "css", "site.css"))
	if err != nil {
		t.Fatalf("error reading deployed file: %v", err)
	}
	if string(buf2) != "content of dist/css/site.css" {
		t.Fatalf("deployed file has wrong content: %q", buf2)
	}

	info, err := os.Stat(filepath.Join(dest, "app"))
	if err != nil {
		t.Fatalf("error statting deployed binary: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Fatalf("expected mode to be preserved, got %v", info.Mode().Perm())
	}
}

func TestCopyDeployOverwrites(t *testing.T) {
	work := seedWorkspace(t)
	dest := t.TempDir()

	err := ioutil.WriteFile(filepath.Join(dest, "index.html"), []byte("stale"), 0644)
	if err != nil {
		t.Fatalf("error writing stale file: %v", err)
	}

	artifacts, err := SelectArtifacts(work, []string{"dist/index.html"})
	if err != nil {
		t.Fatalf("error selecting artifacts: %v", err)
	}
	artifacts = Rebase(artifacts, "dist")

	res := Copy{}.Deploy(context.Background(), Request{
		Target:    config.DeployTarget{Kind: config.KindCopy, Dir: dest},
		Artifacts: artifacts,
	})
	if !res.OK() {
		t.Fatalf("expected deploy to succeed: %v", res.Detail)
	}

	buf, err := ioutil.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil {
		t.Fatalf("error reading deployed file: %v", err)
	}
	if string(buf) != "content of dist/index.html" {
		t.Fatalf("expected stale file to be overwritten, got %q", buf)
	}
}

func TestCopyDeployPostCommand(t *testing.T) {
	work := seedWorkspace(t)
	dest := t.TempDir()

	artifacts, err := SelectArtifacts(work, []string{"dist/index.html"})
	if err != nil {
		t.Fatalf("error selecting artifacts: %v", err)
	}
	artifacts = Rebase(artifacts, "dist")

	res := Copy{}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind:        config.KindCopy,
			Dir:         dest,
			PostCommand: "test -f index.html && touch post-ran",
		},
		Artifacts: artifacts,
	})

	if !res.Transferred || !res.PostCommandOK {
		t.Fatalf("expected deploy and post command to succeed: %v", res.Detail)
	}

	if _, err := os.Stat(filepath.Join(dest, "post-ran")); err != nil {
		t.Fatalf("expected post command to run in the target dir: %v", err)
	}
}

func TestCopyDeployPostCommandFails(t *testing.T) {
	work := seedWorkspace(t)
	dest := t.TempDir()

	artifacts, err := SelectArtifacts(work, []string{"dist/index.html"})
	if err != nil {
		t.Fatalf("error selecting artifacts: %v", err)
	}
	artifacts = Rebase(artifacts, "dist")

	res := Copy{}.Deploy(context.Background(), Request{
		Target: config.DeployTarget{
			Kind:        config.KindCopy,
			Dir:         dest,
			PostCommand: "exit 7",
		},
		Artifacts: artifacts,
	})

	if !res.Transferred {
		t.Fatalf("expected the transfer outcome to stand: %v", res.Detail)
	}
	if res.PostCommandOK {
		t.Fatalf("expected the post command to be reported failed")
	}
	if !strings.Contains(res.Detail, "exited 7") {
		t.Fatalf("expected the exit status in the detail, got %q", res.Detail)
	}
	if res.OK() {
		t.Fatalf("expected the combined outcome to be not ok")
	}
}
