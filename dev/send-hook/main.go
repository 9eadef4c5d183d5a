package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"

	"github.com/google/uuid"
)

func usage() {
	fmt.Println("usage: go run dev/send-hook/main.go $URL $SECRET $REPO $REF $SHA")
}

func main() {
	// This is 7 because passing arguments to `go run` requires the `--` and
	// that also counts as one of the arguments in `os.Args`.
	if len(os.Args) != 7 {
		usage()
		os.Exit(1)
	}

	args := os.Args[2:]

	url, secret, repo, ref, sha := args[0], args[1], args[2], args[3], args[4]
	if url == "" || repo == "" || ref == "" || sha == "" {
		usage()
		return
	}

	body, err := json.Marshal(map[string]string{
		"repository": repo,
		"ref":        ref,
		"commit_sha": sha,
	})
	if err != nil {
		fmt.Printf("got error marshaling payload: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fmt.Printf("got error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Convey-Delivery", uuid.New().String())

	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Convey-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	fmt.Printf("sending push for %v %v@%v to %v\n", repo, ref, sha, url)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("got error sending hook: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	buf, _ := ioutil.ReadAll(resp.Body)
	fmt.Printf("%v\n%s\n", resp.Status, buf)
}
