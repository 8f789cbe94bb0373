package main

import (
	"fmt"

	"github.com/darasahq/darasa/internal/crypto"
)

func main() {
	token, err := crypto.NewToken()
	if err != nil {
		panic(err)
	}

	fmt.Printf("Token:  %s\n", token)
	fmt.Printf("Digest: %s\n", crypto.TokenDigest(token))
}
