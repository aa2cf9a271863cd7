package i18n

import apperrors "github.com/louisbranch/findingsync/internal/platform/errors"

var ptBRCatalog = &Catalog{
	locale: "pt-BR",
	messages: map[apperrors.Code]string{
		apperrors.CodeUnknown: "Algo deu errado",

		apperrors.CodeFrameInvalid:        "Quadro inválido",
		apperrors.CodeFrameTooLarge:       "Quadro excede {{.Limit}} bytes",
		apperrors.CodeFrameUnsupported:    "Tipo de quadro não suportado: {{.Type}}",
		apperrors.CodeFrameRateLimited:    "Limite de envio excedido",
		apperrors.CodeFindingIDRequired:   "O ID do achado é obrigatório",
		apperrors.CodeCommentIDRequired:   "O ID do comentário é obrigatório",
		apperrors.CodeCommentEmptyContent: "O comentário não pode ficar vazio",
		apperrors.CodeCommentTooLong:      "O comentário excede {{.Limit}} caracteres",
		apperrors.CodeFieldRequired:       "O campo do achado é obrigatório",

		apperrors.CodeLockHeld:    "O achado está bloqueado por {{.HolderName}}",
		apperrors.CodeLockNotHeld: "Você não detém o bloqueio deste achado",

		apperrors.CodeCommentNotFound:        "Comentário não encontrado",
		apperrors.CodeCommentAlreadyResolved: "O comentário já foi resolvido",
		apperrors.CodeNotAuthor:              "Apenas o autor pode alterar este comentário",

		apperrors.CodeRoomIDRequired:    "O ID da sala é obrigatório",
		apperrors.CodeUserIDRequired:    "O ID do usuário é obrigatório",
		apperrors.CodeRoomGrantInvalid:  "A concessão da sala é inválida",
		apperrors.CodeRoomGrantExpired:  "A concessão da sala expirou",
		apperrors.CodeRoomGrantMismatch: "O campo {{.Field}} da concessão não confere",

		apperrors.CodeNotFound:    "O recurso solicitado não foi encontrado",
		apperrors.CodeUnavailable: "O estado da sala está temporariamente indisponível",
	},
}
