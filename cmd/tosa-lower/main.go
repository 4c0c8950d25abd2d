// tosa-lower lowers ATen graphs, described in YAML, to TOSA programs.
//
// Usage:
//
//	tosa-lower lower --spec TOSA-1.0+INT --graph model.yaml --out model.tosa.pb --etrecord model.etrecord
//	tosa-lower inspect model.etrecord
//	tosa-lower targets --spec TOSA-0.80+BI
package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
