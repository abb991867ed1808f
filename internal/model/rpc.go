package model

type (
	EncryptRPCRequest struct {
		Message        []byte `json:"message"`
		AssociatedData []byte `json:"associated_data,omitempty"`
	}

	EncryptRPCResponse struct {
		Encrypted string `json:"encrypted"`
	}

	DecryptRPCRequest struct {
		Encrypted      string `json:"encrypted"`
		AssociatedData []byte `json:"associated_data,omitempty"`
	}

	DecryptRPCResponse struct {
		Message []byte `json:"message"`
	}

	RPCError struct {
		Error   ErrorKind `json:"error"`
		Message string    `json:"message,omitempty"`
	}
)
