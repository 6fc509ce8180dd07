package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/tee-vm-provisioning/attestation"
	"github.com/ruteri/tee-vm-provisioning/httpserver"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/vm"
	"github.com/urfave/cli/v2"
)

var flagServerAddr *cli.StringFlag = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"PD_SERVER_ADDR"},
	Usage:   "provisioning server to connect to",
}

func main() {
	app := &cli.App{
		Name:  "vmctl",
		Usage: "Control the protected download vm through the provisioning server",
		Flags: []cli.Flag{flagServerAddr},
		Commands: []*cli.Command{
			{
				Name:  "provision",
				Usage: "run the vm and print its descriptor",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "apk", Required: true, Usage: "vm image path on the server"},
					&cli.StringFlag{Name: "payload", Required: true, Usage: "payload path inside the image"},
				},
				Action: func(cCtx *cli.Context) error {
					desc, err := client(cCtx).Provision(cCtx.Context, vm.ProvisionRequest{
						APKPath:     cCtx.String("apk"),
						PayloadPath: cCtx.String("payload"),
					})
					if err != nil {
						return err
					}
					return printJSON(desc)
				},
			},
			{
				Name:  "delete",
				Usage: "delete a vm",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "vm name, the server's vm when empty"},
				},
				Action: func(cCtx *cli.Context) error {
					if err := client(cCtx).Delete(cCtx.Context, vm.DeleteRequest{Name: cCtx.String("name")}); err != nil {
						return err
					}
					fmt.Println("deleted")
					return nil
				},
			},
			{
				Name:  "public-key",
				Usage: "print the public keyset stored for the vm",
				Action: func(cCtx *cli.Context) error {
					resp, err := client(cCtx).PublicKey(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "attest",
				Usage: "request a measurement bound to content",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "binding", Required: true, Usage: "content to bind the measurement to"},
					&cli.BoolFlag{Name: "verify-dcap", Usage: "verify the token as a TDX quote and print its measurements"},
				},
				Action: func(cCtx *cli.Context) error {
					binding := cCtx.String("binding")
					resp, err := client(cCtx).Attest(cCtx.Context, binding)
					if err != nil {
						return err
					}
					if !cCtx.Bool("verify-dcap") {
						return printJSON(resp)
					}
					if resp.Status != interfaces.AttestationSuccess {
						return fmt.Errorf("attestation status is %s", resp.Status)
					}

					measurements, err := attestation.VerifyDCAPQuote(attestation.ReportData(binding, resp.ExpiresAt), resp.Token)
					if err != nil {
						return err
					}
					return printJSON(measurements)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *httpserver.Client {
	return httpserver.NewClient(cCtx.String(flagServerAddr.Name))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
